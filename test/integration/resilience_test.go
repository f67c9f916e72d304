package integration

import (
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// ==========================================================================
// Decision fallbacks
// ==========================================================================

func TestResilience_DecisionTimeoutDownloadsAll(t *testing.T) {
	h := NewTestHarness(t, WithDecisionTimeout(200*time.Millisecond))
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	op.Next(model.EventTranscriptOptions, waitLong)
	// The operator stays silent.

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.ItemsDownloaded, 2, "items_downloaded")

	var warning model.Message
	DecodeData(t, op.Next(model.EventWarning, waitLong), &warning)
	if !strings.Contains(warning.Message, "timed out") {
		t.Errorf("warning = %q, want a timeout notice", warning.Message)
	}
}

func TestResilience_CourtTimeoutUsesFirstOption(t *testing.T) {
	h := NewTestHarness(t, WithDecisionTimeout(200*time.Millisecond), WithMode(config.ModeSemiAutomated))
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{
		SessionID: session,
		Queries:   []string{caseAlpha},
		Criteria:  model.SearchCriteria{Court: "District of Ne"},
	})
	var prompt model.CourtSelectionPrompt
	DecodeData(t, op.Next(model.EventCourtSelection, waitLong), &prompt)

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Results[0].SelectedCourt, prompt.Options[0], "selected_court")
}

func TestResilience_DisconnectResolvesPendingDecision(t *testing.T) {
	h := NewTestHarness(t)
	op := h.ConnectOperator(session)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	op.Next(model.EventTranscriptOptions, waitLong)
	op.Close()

	// The default action applies without waiting out the decision timeout.
	done := h.WaitForJob(job.ID, 3*time.Second)
	assertEqual(t, done.Status, model.JobStatusCompleted, "status")
	assertEqual(t, done.ItemsDownloaded, 2, "items_downloaded")
}

func TestResilience_ReconnectReplaysPendingPrompt(t *testing.T) {
	h := NewTestHarness(t)

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	h.WaitForState(job.ID, model.StateAwaitingEntrySelection, waitLong)

	// The prompt was published while nobody listened; connecting replays it.
	op := h.ConnectOperator(session)
	var prompt model.EntrySelectionPrompt
	DecodeData(t, op.Next(model.EventTranscriptOptions, waitLong), &prompt)
	assertEqual(t, len(prompt.Entries), 2, "len(entries)")
	op.Respond(map[string]any{"action": model.ActionSkip})

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Results[0].Status, model.ItemStatusSkipped, "item status")
}

func TestResilience_SecondConnectionReplacesFirst(t *testing.T) {
	h := NewTestHarness(t)
	first := h.ConnectOperator(session)
	second := h.ConnectOperator(session)

	select {
	case <-first.done:
	case <-time.After(3 * time.Second):
		t.Fatal("replaced connection should be closed")
	}

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseGamma}})
	second.Next(model.EventTranscriptOptions, waitLong)
	second.Respond(map[string]any{"action": model.ActionDownloadAll})

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.ItemsDownloaded, 1, "items_downloaded")
}

func TestResilience_OperatorsOnlyAnswerTheirSession(t *testing.T) {
	h := NewTestHarness(t, WithDecisionTimeout(500*time.Millisecond))
	owner := h.ConnectOperator(session)
	other := h.ConnectOperator("session-2")

	job := h.CreateJob(model.CreateJobRequest{SessionID: session, Queries: []string{caseAlpha}})
	owner.Next(model.EventTranscriptOptions, waitLong)

	// A skip from another session must not reach this job.
	other.Respond(map[string]any{"action": model.ActionSkip})

	done := h.WaitForJob(job.ID, waitLong)
	assertEqual(t, done.Results[0].Status, model.ItemStatusCompleted, "item status")
	assertEqual(t, done.ItemsDownloaded, 2, "items_downloaded")
	if other.Has(model.EventTranscriptOptions) {
		t.Error("prompt leaked to another session")
	}
}

// ==========================================================================
// Readiness
// ==========================================================================

func TestResilience_ReadinessReflectsDownloadPath(t *testing.T) {
	h := NewTestHarness(t)

	var ready observability.ReadinessResponse
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &ready)
	assertEqual(t, ready.Status, "ready", "status")

	if err := os.RemoveAll(h.Config.Jobs.DownloadDir); err != nil {
		t.Fatalf("remove download dir: %v", err)
	}
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusServiceUnavailable, &ready)
	assertEqual(t, ready.Checks["download_dir"].Status, "error", "download_dir check")
}
