package integration

import (
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/model"
)

const (
	caseAlpha = "1:24-cv-00001"
	caseGamma = "1:24-cv-00002"
	session   = "session-1"
	waitLong  = 10 * time.Second
)

func assertEqual(t *testing.T, got, want any, field string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

func assertFileExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Errorf("expected file %s: %v", path, err)
		return
	}
	if info.Size() == 0 {
		t.Errorf("file %s is empty", path)
	}
}

func hasState(transitions []model.Transition, state model.State) bool {
	for _, tr := range transitions {
		if tr.To == state {
			return true
		}
	}
	return false
}

// ==========================================================================
// Interactive jobs
// ==========================================================================

func TestJob_InteractiveOperatorFlow(t *testing.T) {
	h := NewTestHarness(t)
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{
		SessionID: session,
		Queries:   []string{caseAlpha, caseGamma},
		Criteria:  model.SearchCriteria{Court: "District of Ne"},
	})

	// Two courts contain the input, so the operator is asked.
	var courtPrompt model.CourtSelectionPrompt
	DecodeData(t, op.Next(model.EventCourtSelection, waitLong), &courtPrompt)
	assertEqual(t, courtPrompt.UserInput, "District of Ne", "user_input")
	if len(courtPrompt.ExactMatches) != 2 {
		t.Errorf("exact_matches = %v, want both District of Ne* courts", courtPrompt.ExactMatches)
	}
	op.Respond(map[string]any{"action": model.ActionSelectCourt, "selected_court": "District of Nevada"})

	// First item: the sealed entry is not offered; the transcript is flagged.
	var first model.EntrySelectionPrompt
	DecodeData(t, op.Next(model.EventTranscriptOptions, waitLong), &first)
	if len(first.Entries) != 2 {
		t.Fatalf("entries = %s, want 2 downloadable entries", FormatJSON(first.Entries))
	}
	assertEqual(t, first.DocumentIndex, 1, "document_index")
	assertEqual(t, first.TotalDocuments, 2, "total_documents")
	assertEqual(t, first.Entries[0].MatchedPattern, false, "entries[0].matched_pattern")
	assertEqual(t, first.Entries[1].MatchedPattern, true, "entries[1].matched_pattern")
	op.Respond(map[string]any{"action": model.ActionDownloadSelected, "selected_indices": []int{1}})

	// Second item: download everything.
	var second model.EntrySelectionPrompt
	DecodeData(t, op.Next(model.EventTranscriptOptions, waitLong), &second)
	assertEqual(t, second.DocumentIndex, 2, "document_index")
	op.Respond(map[string]any{"action": model.ActionDownloadAll})

	op.Next(model.EventComplete, waitLong)
	done := h.WaitForJob(job.ID, waitLong)

	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.DocumentsProcessed, 2, "documents_processed")
	assertEqual(t, done.ItemsDownloaded, 2, "items_downloaded")
	if len(done.Results) != 2 {
		t.Fatalf("results = %s", FormatJSON(done.Results))
	}
	for _, r := range done.Results {
		assertEqual(t, r.SelectedCourt, "District of Nevada", "selected_court")
	}

	alpha := done.Results[0].Downloads
	if len(alpha) != 1 || alpha[0].EntryNumber != "7" {
		t.Fatalf("alpha downloads = %s, want entry 7 only", FormatJSON(alpha))
	}
	assertEqual(t, alpha[0].Strategy, "interception", "alpha strategy")
	assertFileExists(t, alpha[0].Path)

	gamma := done.Results[1].Downloads
	if len(gamma) != 1 || gamma[0].Status != model.DownloadStatusSuccess {
		t.Fatalf("gamma downloads = %s", FormatJSON(gamma))
	}
	// No rendered document for this entry: only the fetch strategy can win.
	assertEqual(t, gamma[0].Strategy, "fetch", "gamma strategy")
	assertFileExists(t, gamma[0].Path)

	transitions := h.Transitions(job.ID)
	for _, s := range []model.State{model.StateAwaitingCourtSelection, model.StateAwaitingEntrySelection, model.StateCapturing} {
		if !hasState(transitions, s) {
			t.Errorf("transitions missing %s", s)
		}
	}
	assertEqual(t, transitions[len(transitions)-1].To, model.StateCompleted, "final state")

	if !op.Has(model.EventStateChange) || !op.Has(model.EventDownloadSuccess) {
		t.Error("operator should receive state changes and download notices")
	}
}

func TestJob_ResultsEndpoint(t *testing.T) {
	h := NewTestHarness(t, WithMode(config.ModeAutomated))
	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	h.WaitForJob(job.ID, waitLong)

	var report model.Report
	h.AssertJSON(t, h.GET("/api/jobs/"+job.ID+"/results", h.Token()), http.StatusOK, &report)
	assertEqual(t, report.JobID, job.ID, "job_id")
	assertEqual(t, report.Status, model.JobStatusCompleted, "status")
	assertEqual(t, report.ItemsDownloaded, 2, "items_downloaded")
	assertEqual(t, len(report.Results), 1, "len(results)")
}

func TestJob_ManualSelectSkipsItem(t *testing.T) {
	h := NewTestHarness(t)
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	op.Next(model.EventTranscriptOptions, waitLong)
	op.Respond(map[string]any{"action": model.ActionManualSelect})

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.ItemsDownloaded, 0, "items_downloaded")
	assertEqual(t, done.Results[0].Status, model.ItemStatusSkipped, "item status")
	assertEqual(t, done.Results[0].Error, "manual selection", "item error")
}

// ==========================================================================
// Automated jobs
// ==========================================================================

func TestJob_SemiAutomatedRunsWithoutOperator(t *testing.T) {
	h := NewTestHarness(t, WithMode(config.ModeSemiAutomated))

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha, caseGamma}})
	done := h.WaitForJob(job.ID, waitLong)

	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.DocumentsProcessed, 2, "documents_processed")
	assertEqual(t, done.ItemsDownloaded, 3, "items_downloaded")
	if hasState(h.Transitions(job.ID), model.StateAwaitingEntrySelection) {
		t.Error("semi-automated jobs should not pause for entries")
	}
}

func TestJob_AutomatedSelectionPatternMatches(t *testing.T) {
	h := NewTestHarness(t)

	job := h.CreateJob(model.CreateJobRequest{
		SessionID:     session,
		Queries:       []string{caseAlpha, caseGamma},
		SelectionMode: model.SelectionAutomated,
		DownloadMode:  model.DownloadPatternMatches,
	})
	done := h.WaitForJob(job.ID, waitLong)

	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.ItemsDownloaded, 2, "items_downloaded")
	for _, r := range done.Results {
		for _, d := range r.Downloads {
			if d.EntryNumber == "1" {
				t.Error("non-transcript entry 1 should not be downloaded")
			}
		}
	}
}

func TestJob_DocumentRange(t *testing.T) {
	h := NewTestHarness(t, WithMode(config.ModeAutomated))

	job := h.CreateJob(model.CreateJobRequest{
		SessionID:          session,
		Queries:            []string{caseAlpha, caseGamma},
		DocumentRangeStart: 2,
	})
	done := h.WaitForJob(job.ID, waitLong)

	assertEqual(t, done.DocumentsProcessed, 1, "documents_processed")
	assertEqual(t, done.Results[0].Query, caseGamma, "processed query")
}

func TestJob_UnknownCaseFailsItemOnly(t *testing.T) {
	h := NewTestHarness(t, WithMode(config.ModeAutomated))

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{"9:99-cv-99999", caseGamma}})
	done := h.WaitForJob(job.ID, waitLong)

	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.Results[0].Status, model.ItemStatusFailed, "missing case status")
	assertEqual(t, done.Results[1].Status, model.ItemStatusCompleted, "second case status")
}

// ==========================================================================
// Cancellation and deletion
// ==========================================================================

func TestJob_CancelWhileAwaitingDecision(t *testing.T) {
	h := NewTestHarness(t)
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	op.Next(model.EventTranscriptOptions, waitLong)

	h.AssertStatus(t, h.POST("/api/jobs/"+job.ID+"/cancel", nil, h.Token()), http.StatusOK)
	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Status, model.JobStatusCancelled, "status")
	op.Next(model.EventWarning, waitLong)

	// A terminal job can no longer be cancelled, but can be deleted.
	h.AssertStatus(t, h.POST("/api/jobs/"+job.ID+"/cancel", nil, h.Token()), http.StatusConflict)
	h.AssertStatus(t, h.DELETE("/api/jobs/"+job.ID, h.Token()), http.StatusNoContent)
	h.AssertStatus(t, h.GET("/api/jobs/"+job.ID, h.Token()), http.StatusNotFound)
}

func TestJob_OperatorCancelAction(t *testing.T) {
	h := NewTestHarness(t)
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha, caseGamma}})
	op.Next(model.EventTranscriptOptions, waitLong)
	op.Respond(map[string]any{"action": model.ActionCancel})

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Status, model.JobStatusCancelled, "status")
	assertEqual(t, done.DocumentsProcessed, 0, "documents_processed")
}

func TestJob_DeleteActiveJobConflicts(t *testing.T) {
	h := NewTestHarness(t)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	h.WaitForState(job.ID, model.StateAwaitingEntrySelection, waitLong)

	h.AssertStatus(t, h.DELETE("/api/jobs/"+job.ID, h.Token()), http.StatusConflict)
	h.AssertStatus(t, h.POST("/api/jobs/"+job.ID+"/cancel", nil, h.Token()), http.StatusOK)
	h.WaitForJob(job.ID, waitLong)
}

// ==========================================================================
// Job creation limits
// ==========================================================================

func TestJob_MaxActive(t *testing.T) {
	h := NewTestHarness(t, WithMaxActive(1))

	first := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	h.WaitForState(first.ID, model.StateAwaitingEntrySelection, waitLong)

	resp := h.POST("/api/jobs", model.CreateJobRequest{SessionID: "session-2", Queries: []string{caseGamma}}, h.Token())
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, http.StatusTooManyRequests, &body)
	assertEqual(t, body.Error.Code, model.ErrTooManyJobs, "error code")

	h.AssertStatus(t, h.POST("/api/jobs/"+first.ID+"/cancel", nil, h.Token()), http.StatusOK)
	h.WaitForJob(first.ID, waitLong)
}

func TestJob_IdempotentCreate(t *testing.T) {
	h := NewTestHarness(t, WithMode(config.ModeAutomated))
	req := model.CreateJobRequest{SessionID: session, Queries: []string{caseGamma}}
	headers := map[string]string{"X-Idempotency-Key": "create-1"}

	var first, replay model.Job
	h.AssertJSON(t, h.Do("POST", "/api/jobs", req, h.Token(), headers), http.StatusCreated, &first)

	resp := h.Do("POST", "/api/jobs", req, h.Token(), headers)
	assertEqual(t, resp.Header.Get("Idempotent-Replayed"), "true", "Idempotent-Replayed")
	h.AssertJSON(t, resp, http.StatusOK, &replay)
	assertEqual(t, replay.ID, first.ID, "replayed job id")

	other := model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}}
	h.AssertStatus(t, h.Do("POST", "/api/jobs", other, h.Token(), headers), http.StatusConflict)

	h.WaitForJob(first.ID, waitLong)
	var list struct {
		Count int `json:"count"`
	}
	h.AssertJSON(t, h.GET("/api/jobs", h.Token()), http.StatusOK, &list)
	assertEqual(t, list.Count, 1, "job count")
}
