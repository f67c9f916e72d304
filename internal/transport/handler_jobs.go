package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/docket/internal/jobs"
	"github.com/pitabwire/docket/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func operatorFrom(r *http.Request) string {
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
		return rctx.Operator
	}
	return ""
}

func handleJobCreate(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.CreateJobRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}

		job, replayed, err := mgr.Create(r.Context(), jobs.CreateInput{
			Request:        req,
			Operator:       operatorFrom(r),
			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
			w.Header().Set("Idempotent-Replayed", "true")
		}
		WriteJSON(w, status, job)
	}
}

func handleJobList(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.JobFilters{Status: q.Get("status"), Limit: defaultListLimit}

		var details []model.FieldError
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxListLimit {
				details = append(details, model.FieldError{
					Field: "limit", Code: "INVALID",
					Message: "limit must be between 1 and " + strconv.Itoa(maxListLimit),
				})
			}
			filters.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				details = append(details, model.FieldError{
					Field: "offset", Code: "INVALID", Message: "offset must not be negative",
				})
			}
			filters.Offset = n
		}
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		list, err := mgr.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"jobs":  list,
			"count": len(list),
		})
	}
}

func handleJobGet(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := mgr.Get(r.Context(), chi.URLParam(r, "jobId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}

func handleJobResults(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := mgr.Results(r.Context(), chi.URLParam(r, "jobId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleJobTransitions(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		transitions, err := mgr.Transitions(r.Context(), jobID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if transitions == nil {
			transitions = []model.Transition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"job_id":      jobID,
			"transitions": transitions,
		})
	}
}

func handleJobCancel(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := mgr.Cancel(r.Context(), chi.URLParam(r, "jobId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"job_id":  job.ID,
			"status":  job.Status,
			"message": "cancellation requested",
		})
	}
}

func handleJobDelete(mgr *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Delete(r.Context(), chi.URLParam(r, "jobId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
