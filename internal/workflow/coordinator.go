package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/capture"
	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/decision"
	"github.com/pitabwire/docket/internal/matching"
	"github.com/pitabwire/docket/internal/navigation"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/recovery"
	"github.com/pitabwire/docket/model"
)

// ErrJobCancelled is returned when a job stops because it was cancelled,
// either externally or by the operator.
var ErrJobCancelled = errors.New("workflow: job cancelled")

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Sources   *navigation.Registry
	Decisions *decision.Channel
	Race      *capture.Race
	Patterns  *navigation.Patterns
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Hooks receive a job's progress while it runs. Both are optional.
type Hooks struct {
	OnTransition func(ctx context.Context, t model.Transition) error
	OnItem       func(ctx context.Context, result model.ItemResult)
}

// Outcome is the final result of one job run.
type Outcome struct {
	State              model.State
	Results            []model.ItemResult
	DocumentsProcessed int
	ItemsDownloaded    int
	Transitions        []model.Transition
	Duration           time.Duration
	Err                error
}

// Status maps the terminal state to a job status.
func (o Outcome) Status() string {
	switch o.State {
	case model.StateCompleted:
		return model.JobStatusCompleted
	case model.StateCancelled:
		return model.JobStatusCancelled
	default:
		return model.JobStatusFailed
	}
}

// Coordinator sequences jobs through their phases. It is safe to run many
// jobs concurrently; each Run owns its own machine and navigation session.
type Coordinator struct {
	cfg  *config.Config
	deps Deps
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg *config.Config, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, deps: deps}
}

// Run drives job from Idle to Completed, Failed or Cancelled. Cancelling ctx
// cancels the job at the next phase boundary. Run never panics on behalf of
// a navigation session and always closes it.
func (c *Coordinator) Run(ctx context.Context, job model.Job, hooks Hooks) Outcome {
	start := time.Now()
	ctx = observability.WithJobScope(ctx, observability.JobScope{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Source:    job.Source,
	})
	ctx, span := observability.StartJobSpan(ctx, "job.run")

	r := &run{
		c:      c,
		job:    job,
		hooks:  hooks,
		flags:  c.pauses(job),
		pacer:  newPacer(c.cfg.Navigation.MinDelay, c.cfg.Navigation.MaxDelay),
		logger: observability.JobLogger(ctx, c.deps.Logger),
	}
	observers := Observers{ObserverFunc(r.announce)}
	if hooks.OnTransition != nil {
		observers = append(observers, ObserverFunc(hooks.OnTransition))
	}
	r.machine = NewMachine(observers, c.deps.Metrics, c.deps.Logger)

	c.deps.Metrics.RecordJobStart(job.Source)
	err := r.execute(ctx)
	out := r.finish(ctx, err, start)

	observability.EndSpanWithError(span, out.Err)
	return out
}

// pauses returns the decision pause flags for job. An automated selection
// mode forces the fully automated flags.
func (c *Coordinator) pauses(job model.Job) config.PauseFlags {
	if job.SelectionMode == model.SelectionAutomated {
		return config.Pauses(config.ModeAutomated)
	}
	return config.Pauses(c.cfg.Jobs.Mode)
}

// run is the state of one job execution.
type run struct {
	c       *Coordinator
	job     model.Job
	hooks   Hooks
	flags   config.PauseFlags
	pacer   *pacer
	machine *Machine
	policy  *recovery.Policy
	logger  *zap.Logger

	results    []model.ItemResult
	processed  int
	downloaded int
}

// execute runs the phases. A panic inside a navigation session fails this
// job only; the deferred cleanup in steps has already closed the session by
// the time it is recovered here.
func (r *run) execute(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic recovered",
				zap.Any("error", rec),
				zap.String("state", string(r.machine.State())),
				zap.Stack("stacktrace"),
			)
			err = fmt.Errorf("navigation panic: %v", rec)
		}
	}()
	return r.steps(ctx)
}

func (r *run) steps(ctx context.Context) error {
	// 1. Open the navigation session.
	r.machine.TransitionTo(ctx, model.StateInitializing, "Starting job")
	nav, err := r.c.deps.Sources.New(ctx, r.job.Source, navigation.Params{Job: r.job, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer r.cleanup(nav)
	r.policy = recovery.NewPolicy(nav, r.c.cfg.Recovery, r.c.deps.Metrics, r.c.deps.Logger)

	// 2. Authenticate.
	if err := cancelled(ctx); err != nil {
		return err
	}
	r.machine.TransitionTo(ctx, model.StateAuthenticating, "Logging in")
	if err := nav.Authenticate(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrJobCancelled
		}
		return fmt.Errorf("authenticate: %w", err)
	}
	r.publish(ctx, model.EventInfo, model.Message{Message: "Login successful"})

	// 3. Resolve the court filter once for the whole job.
	court, err := r.resolveCourt(ctx, nav)
	if err != nil {
		return err
	}

	// 4. Process each parent item in range.
	items := r.itemsInRange()
	for i, query := range items {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if err := r.processItem(ctx, nav, i, len(items), query, court); err != nil {
			return err
		}
	}
	return nil
}

// cleanup closes the navigation session. The session may already be gone,
// so failures and panics are only logged.
func (r *run) cleanup(nav navigation.Capability) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("navigation cleanup panicked", zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	if err := nav.Close(); err != nil {
		r.logger.Warn("navigation cleanup failed", zap.Error(err))
	}
}

func (r *run) finish(ctx context.Context, err error, start time.Time) Outcome {
	// Final notifications must go out even when the job was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err != nil && !errors.Is(err, ErrJobCancelled) && errors.Is(err, context.Canceled) {
		err = ErrJobCancelled
	}

	out := Outcome{Err: err}
	switch {
	case err == nil:
		msg := fmt.Sprintf("Job completed: %d documents processed, %d items downloaded", r.processed, r.downloaded)
		r.machine.TransitionTo(ctx, model.StateCompleted, msg)
		r.publish(ctx, model.EventComplete, model.CompletionSummary{
			DocumentsProcessed: r.processed,
			ItemsDownloaded:    r.downloaded,
			Duration:           time.Since(start).Seconds(),
		})
	case errors.Is(err, ErrJobCancelled):
		r.machine.TransitionTo(ctx, model.StateCancelled, "Job cancelled")
		r.publish(ctx, model.EventWarning, model.Message{Message: "Job cancelled"})
	default:
		r.logger.Error("job failed", zap.Error(err))
		r.machine.TransitionTo(ctx, model.StateFailed, err.Error())
		r.publish(ctx, model.EventError, model.Message{Message: err.Error()})
	}

	out.State = r.machine.State()
	out.Results = r.results
	out.DocumentsProcessed = r.processed
	out.ItemsDownloaded = r.downloaded
	out.Transitions = r.machine.Transitions()
	out.Duration = time.Since(start)
	r.c.deps.Metrics.RecordJobCompletion(r.job.Source, out.Status(), out.Duration)
	return out
}

// announce is the machine observer that pushes STATE_CHANGE events.
func (r *run) announce(ctx context.Context, t model.Transition) error {
	err := r.c.deps.Decisions.Publish(ctx, r.job.SessionID, model.Event{
		Type:      model.EventStateChange,
		JobID:     r.job.ID,
		Timestamp: t.Timestamp,
		Data: model.StateChange{
			State:         t.To,
			PreviousState: t.From,
			Message:       t.Message,
			Timestamp:     t.Timestamp,
		},
	})
	if errors.Is(err, decision.ErrNotConnected) {
		return nil
	}
	return err
}

// publish sends a notification. Delivery failures are logged by the
// registry and never affect the job.
func (r *run) publish(ctx context.Context, typ model.EventType, data any) {
	_ = r.c.deps.Decisions.Publish(ctx, r.job.SessionID, model.Event{
		Type:      typ,
		JobID:     r.job.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func (r *run) warn(ctx context.Context, msg string, fields ...zap.Field) {
	r.logger.Warn(msg, fields...)
	r.publish(ctx, model.EventWarning, model.Message{Message: msg})
}

// ask publishes a decision prompt and waits for the answer. It returns
// ErrJobCancelled if the job was cancelled while waiting.
func (r *run) ask(ctx context.Context, kind model.DecisionKind, typ model.EventType, prompt any) (decision.Outcome, error) {
	now := time.Now().UTC()
	req := model.DecisionRequest{
		Kind:      kind,
		SessionID: r.job.SessionID,
		JobID:     r.job.ID,
		Prompt:    prompt,
		CreatedAt: now,
	}
	event := model.Event{Type: typ, JobID: r.job.ID, Timestamp: now, Data: prompt}
	out, err := r.c.deps.Decisions.Ask(ctx, req, event, r.c.cfg.Decision.Timeout)
	if err == nil {
		observability.RecordDecision(ctx, string(kind), string(out.Kind), time.Since(now))
	}
	if ctx.Err() != nil {
		return out, ErrJobCancelled
	}
	return out, err
}

func (r *run) resolveCourt(ctx context.Context, nav navigation.Capability) (courtChoice, error) {
	input := r.job.Criteria.Court
	if input == "" {
		return courtChoice{}, nil
	}
	lister, ok := nav.(navigation.CourtLister)
	if !ok {
		return courtChoice{court: input, reason: "source lists no courts"}, nil
	}
	all, err := lister.CourtOptions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return courtChoice{}, ErrJobCancelled
		}
		r.warn(ctx, fmt.Sprintf("Could not list courts, searching with %q as entered", input), zap.Error(err))
		return courtChoice{court: input, reason: "court list unavailable"}, nil
	}

	m := matching.Match(input, all, matching.DefaultThreshold)
	offered := offeredCourts(all, m)
	if len(m.Exact) == 1 {
		r.logger.Info("court auto-selected", zap.String("court", m.Exact[0]))
		return courtChoice{court: m.Exact[0], reason: "single exact match"}, nil
	}
	if !r.flags.PauseForCourt {
		choice := autoCourt(offered, m, r.flags.AutoSkipNoMatch)
		r.logger.Info("court chosen automatically",
			zap.String("court", choice.court),
			zap.Bool("skip", choice.skip),
			zap.String("reason", choice.reason),
		)
		return choice, nil
	}

	r.machine.TransitionTo(ctx, model.StateAwaitingCourtSelection,
		fmt.Sprintf("Waiting for court selection for %q", input))
	prompt := model.CourtSelectionPrompt{
		UserInput:    input,
		Options:      orEmpty(offered),
		ExactMatches: orEmpty(m.Exact),
		FuzzyMatches: orEmpty(m.Fuzzy),
	}
	out, err := r.ask(ctx, model.DecisionCourtSelection, model.EventCourtSelection, prompt)
	if errors.Is(err, ErrJobCancelled) {
		return courtChoice{}, err
	}
	if err != nil {
		r.warn(ctx, "Court selection unavailable, choosing automatically", zap.Error(err))
		return autoCourt(offered, m, false), nil
	}

	choice := courtFromOutcome(out, offered)
	switch {
	case choice.cancel:
		return choice, ErrJobCancelled
	case out.Kind != decision.Answered:
		r.warn(ctx, fmt.Sprintf("Court selection %s, using first option %q", choice.reason, choice.court))
	default:
		r.logger.Info("court selected", zap.String("court", choice.court), zap.String("reason", choice.reason))
	}
	return choice, nil
}

// itemsInRange applies the 1-based inclusive document range to the queries.
func (r *run) itemsInRange() []string {
	queries := r.job.Queries
	start := r.job.DocumentRangeStart
	if start < 1 {
		start = 1
	}
	end := r.job.DocumentRangeEnd
	if end == 0 || end > len(queries) {
		end = len(queries)
	}
	if start > end {
		return nil
	}
	return queries[start-1 : end]
}

func (r *run) processItem(ctx context.Context, nav navigation.Capability, idx, total int, query string, court courtChoice) error {
	ctx, span := observability.StartSpan(ctx, "job.item", observability.AttrQuery.String(query))
	defer span.End()

	result := model.ItemResult{Query: query, SelectedCourt: court.court, Status: model.ItemStatusCompleted}
	r.publish(ctx, model.EventProgress, model.NewProgress(idx+1, total, fmt.Sprintf("Processing %s", query)))

	err := r.runItem(ctx, nav, idx, total, query, court, &result)
	if errors.Is(err, ErrJobCancelled) {
		return err
	}
	r.recordItem(ctx, result)
	return nil
}

func (r *run) runItem(ctx context.Context, nav navigation.Capability, idx, total int, query string, court courtChoice, result *model.ItemResult) error {
	if court.skip {
		result.Status = model.ItemStatusSkipped
		result.Error = court.reason
		r.publish(ctx, model.EventInfo, model.Message{Message: fmt.Sprintf("Skipping %s: %s", query, court.reason)})
		return nil
	}

	criteria := r.job.Criteria
	criteria.Court = court.court

	res, entries, err := r.searchAndList(ctx, nav, query, criteria)
	if err != nil {
		if errors.Is(err, ErrJobCancelled) {
			return err
		}
		result.Status = model.ItemStatusFailed
		result.Error = err.Error()
		r.warn(ctx, fmt.Sprintf("Failed to process %s: %v", query, err))
		return nil
	}
	result.EntriesFound = len(entries)

	downloadable := make([]navigation.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Downloadable {
			downloadable = append(downloadable, e)
		}
	}
	downloadable = r.c.deps.Patterns.Annotate(downloadable)
	if limit := r.job.MaxEntries; limit > 0 && len(downloadable) > limit {
		downloadable = downloadable[:limit]
	}
	if len(downloadable) == 0 {
		result.Status = model.ItemStatusSkipped
		result.Error = "no downloadable entries"
		r.publish(ctx, model.EventInfo, model.Message{Message: fmt.Sprintf("No downloadable entries for %s", query)})
		return nil
	}

	choice, err := r.chooseEntries(ctx, res, downloadable, idx, total)
	if err != nil {
		return err
	}
	if choice.skip {
		result.Status = model.ItemStatusSkipped
		result.Error = choice.reason
		r.publish(ctx, model.EventInfo, model.Message{Message: fmt.Sprintf("Skipping %s: %s", query, choice.reason)})
		return nil
	}
	if len(choice.entries) == 0 {
		result.Status = model.ItemStatusSkipped
		result.Error = "no entries selected"
		return nil
	}

	return r.captureEntries(ctx, nav, recovery.Query{Text: query, Criteria: criteria}, res, choice.entries, result)
}

// searchAndList runs the search and lists the entries, retrying the pair on
// navigation errors up to the configured item attempts. No results is not
// retried.
func (r *run) searchAndList(ctx context.Context, nav navigation.Capability, query string, criteria model.SearchCriteria) (navigation.Results, []navigation.Entry, error) {
	attempts := r.c.cfg.Navigation.ItemAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := cancelled(ctx); err != nil {
			return navigation.Results{}, nil, err
		}
		if err := r.pacer.Wait(ctx); err != nil {
			return navigation.Results{}, nil, ErrJobCancelled
		}

		msg := fmt.Sprintf("Searching for %s", query)
		if attempt > 1 {
			msg = fmt.Sprintf("Searching for %s (attempt %d of %d)", query, attempt, attempts)
		}
		r.machine.TransitionTo(ctx, model.StateSearching, msg)

		res, err := nav.Search(ctx, query, criteria)
		if ctx.Err() != nil {
			return navigation.Results{}, nil, ErrJobCancelled
		}
		if errors.Is(err, navigation.ErrNoResults) {
			return navigation.Results{}, nil, fmt.Errorf("no results for %s", query)
		}
		if err != nil {
			lastErr = fmt.Errorf("search: %w", err)
			r.logger.Warn("search failed", zap.String("query", query), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		r.machine.TransitionTo(ctx, model.StateExtractingEntries, fmt.Sprintf("Extracting entries for %s", describe(res)))
		entries, err := nav.ListEntries(ctx, res)
		if ctx.Err() != nil {
			return navigation.Results{}, nil, ErrJobCancelled
		}
		if err != nil {
			lastErr = fmt.Errorf("list entries: %w", err)
			r.logger.Warn("listing entries failed", zap.String("query", query), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return res, entries, nil
	}
	return navigation.Results{}, nil, fmt.Errorf("%w (after %d attempts)", lastErr, attempts)
}

func (r *run) chooseEntries(ctx context.Context, res navigation.Results, entries []navigation.Entry, idx, total int) (entryChoice, error) {
	if !r.flags.PauseForEntries {
		choice := autoEntries(entries, r.job.DownloadMode, r.flags.AutoSkipNoMatch)
		r.logger.Info("entries chosen automatically",
			zap.Int("entries", len(choice.entries)),
			zap.String("reason", choice.reason),
		)
		return choice, nil
	}

	r.machine.TransitionTo(ctx, model.StateAwaitingEntrySelection,
		fmt.Sprintf("Waiting for entry selection for %s", describe(res)))
	prompt := model.EntrySelectionPrompt{
		DocumentTitle:  describe(res),
		Entries:        entryOptions(entries),
		DocumentIndex:  idx + 1,
		TotalDocuments: total,
	}
	out, err := r.ask(ctx, model.DecisionEntrySelection, model.EventTranscriptOptions, prompt)
	if errors.Is(err, ErrJobCancelled) {
		return entryChoice{}, err
	}
	if err != nil {
		r.warn(ctx, "Entry selection unavailable, downloading all", zap.Error(err))
		return entryChoice{entries: entries, reason: "selection unavailable"}, nil
	}

	choice := entriesFromOutcome(out, entries)
	switch {
	case choice.cancel:
		return choice, ErrJobCancelled
	case out.Kind != decision.Answered:
		r.warn(ctx, fmt.Sprintf("Entry selection %s, downloading all %d entries", choice.reason, len(entries)))
	case choice.reason == "manual selection":
		r.publish(ctx, model.EventInfo, model.Message{Message: "Manual selection requested, skipping automated download"})
	}
	return choice, nil
}

func (r *run) captureEntries(ctx context.Context, nav navigation.Capability, q recovery.Query, res navigation.Results, entries []navigation.Entry, result *model.ItemResult) error {
	provider, _ := nav.(navigation.CaptureProvider)
	dir := filepath.Join(r.job.DownloadPath, r.job.Source)

	r.machine.TransitionTo(ctx, model.StateCapturing,
		fmt.Sprintf("Downloading %d entries for %s", len(entries), q.Text))

	for i, e := range entries {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if err := r.pacer.Wait(ctx); err != nil {
			return ErrJobCancelled
		}

		dl := r.captureOne(ctx, nav, provider, dir, q.Text, res, e)
		if ctx.Err() != nil {
			return ErrJobCancelled
		}
		result.Downloads = append(result.Downloads, dl)
		r.publish(ctx, model.EventProgress, model.NewProgress(i+1, len(entries),
			fmt.Sprintf("Downloaded %d of %d entries for %s", i+1, len(entries), q.Text)))

		// Back to the results page before the next entry or item.
		fresh, replayed, err := r.policy.ReturnToResults(ctx, q, func(ctx context.Context) {
			r.machine.TransitionTo(ctx, model.StateRecovering,
				fmt.Sprintf("Unexpected page after returning from entry %s, replaying search", e.Number))
		})
		if err != nil {
			if ctx.Err() != nil {
				return ErrJobCancelled
			}
			result.Status = model.ItemStatusAbandoned
			result.Error = err.Error()
			r.warn(ctx, fmt.Sprintf("Abandoning remaining entries of %s: %v", q.Text, err))
			return nil
		}
		if !replayed {
			continue
		}
		// The replayed search is the results page from now on.
		res = fresh
		if i < len(entries)-1 {
			r.machine.TransitionTo(ctx, model.StateCapturing, fmt.Sprintf("Recovered, resuming downloads for %s", q.Text))
		}
	}

	if result.Downloaded() == 0 {
		result.Status = model.ItemStatusFailed
		result.Error = "no entries could be downloaded"
	}
	return nil
}

func (r *run) captureOne(ctx context.Context, nav navigation.Capability, provider navigation.CaptureProvider, dir, query string, res navigation.Results, e navigation.Entry) model.DownloadResult {
	caseNumber := e.CaseNumber
	if caseNumber == "" {
		caseNumber = res.CaseNumber
	}
	if caseNumber == "" {
		caseNumber = query
	}
	target := capture.Target{
		ID:          capture.TargetID(caseNumber, e.Number),
		CaseNumber:  caseNumber,
		EntryNumber: e.Number,
		Dir:         dir,
	}
	dl := model.DownloadResult{
		EntryNumber: e.Number,
		Description: e.Description,
		Filename:    target.Filename(),
	}

	var strategies []capture.Strategy
	if provider != nil {
		strategies = provider.Strategies(e)
	}
	sess, err := r.c.deps.Race.Run(ctx, target, strategies, func(ctx context.Context) error {
		return nav.Open(ctx, e)
	})
	if err != nil {
		dl.Status = model.DownloadStatusFailed
		dl.Error = err.Error()
		r.logger.Warn("capture failed", zap.String("target_id", target.ID), zap.Error(err))
		r.publish(ctx, model.EventDownloadFailed, model.DownloadNotice{
			Query:       query,
			EntryNumber: e.Number,
			Error:       err.Error(),
		})
		return dl
	}

	captured := sess.Resource.CapturedAt
	dl.Status = model.DownloadStatusSuccess
	dl.Path = sess.Path
	dl.Strategy = sess.Resource.Strategy
	dl.Bytes = len(sess.Resource.Bytes)
	dl.CapturedAt = &captured
	r.downloaded++
	r.logger.Info("document downloaded",
		zap.String("target_id", target.ID),
		zap.String("path", sess.Path),
		zap.String("strategy", dl.Strategy),
	)
	r.publish(ctx, model.EventDownloadSuccess, model.DownloadNotice{
		Query:       query,
		EntryNumber: e.Number,
		Filename:    dl.Filename,
		Strategy:    dl.Strategy,
	})
	return dl
}

func (r *run) recordItem(ctx context.Context, result model.ItemResult) {
	r.processed++
	r.results = append(r.results, result)
	r.c.deps.Metrics.RecordItemResult(result.Status)
	if r.hooks.OnItem != nil {
		r.hooks.OnItem(ctx, result)
	}
}

func cancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrJobCancelled
	}
	return nil
}

func describe(res navigation.Results) string {
	switch {
	case res.Title != "" && res.CaseNumber != "":
		return res.CaseNumber + " " + res.Title
	case res.Title != "":
		return res.Title
	case res.CaseNumber != "":
		return res.CaseNumber
	}
	return res.Query
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
