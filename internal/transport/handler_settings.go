package transport

import (
	"net/http"

	"github.com/pitabwire/docket/internal/jobs"
)

type settings struct {
	DownloadPath string `json:"download_path"`
}

func handleSettingsGet(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, settings{DownloadPath: mgr.DownloadPath()})
	}
}

func handleSettingsUpdate(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body settings
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if err := mgr.SetDownloadPath(body.DownloadPath); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, settings{DownloadPath: mgr.DownloadPath()})
	}
}
