// Package dispatch registers calls and hands their recordings to the external
// analysis workflow.
//
// Creating the call and submitting it are independent: Dispatch returns as
// soon as the call row exists, and the submission runs in the background. Its
// result is a typed Outcome that is logged, counted, audited and then
// discarded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"salescall-platform/internal/artifact"
	"salescall-platform/internal/audit"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/observe"
	"salescall-platform/pkg/logger"

	"go.opentelemetry.io/otel/trace"
)

// ErrArtifactNotFound means the call was created but will never be submitted.
var ErrArtifactNotFound = errors.New("dispatch: artifact not found")

// Submitter sends one submission to the workflow.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (attempts int, err error)
}

// Recorder stores the workflow's acknowledgement on the call.
type Recorder interface {
	RecordDispatch(ctx context.Context, id int64, accepted bool, attempts int) (calls.Call, error)
}

// Store is the subset of the call repository the dispatcher needs.
type Store interface {
	Create(ctx context.Context, c calls.Call) (calls.Call, error)
	Get(ctx context.Context, id int64) (calls.Call, error)
}

type OutcomeKind string

const (
	OutcomeSubmitted        OutcomeKind = "submitted"
	OutcomeArtifactNotFound OutcomeKind = "artifact_not_found"
	OutcomeTransportError   OutcomeKind = "transport_error"
	OutcomeRejected         OutcomeKind = "rejected"
	OutcomeQueueTimeout     OutcomeKind = "queue_timeout"
	OutcomeSkipped          OutcomeKind = "skipped"
	OutcomeError            OutcomeKind = "error"
)

// DefaultQueueTimeout bounds the wait for a dispatch slot when
// Config.QueueTimeout is unset.
const DefaultQueueTimeout = 10 * time.Minute

// Outcome is the result of one dispatch.
type Outcome struct {
	CallID   int64
	Kind     OutcomeKind
	Attempts int
	Duration time.Duration
	Err      error
}

type Config struct {
	// CallbackBaseURL is the externally reachable base of this API;
	// callbacks go to {base}/calls/{id}/callback.
	CallbackBaseURL string

	// QueueTimeout bounds how long a submission waits for a Limiter slot.
	// A call still waiting when it elapses is left to the reaper.
	QueueTimeout time.Duration
}

// Deps are the collaborators of a Dispatcher. Limiter, Audit, Metrics,
// Logger and OnOutcome are optional.
type Deps struct {
	Calls     Store
	Locator   artifact.Locator
	Submitter Submitter
	Recorder  Recorder
	Limiter   Limiter
	Audit     *audit.Service
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// OnOutcome, when set, observes every Outcome after it is logged.
	OnOutcome func(Outcome)
}

type Dispatcher struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Calls == nil || deps.Locator == nil || deps.Submitter == nil || deps.Recorder == nil {
		return nil, errors.New("dispatch: calls, locator, submitter and recorder are required")
	}
	if _, err := url.ParseRequestURI(cfg.CallbackBaseURL); err != nil {
		return nil, fmt.Errorf("dispatch: invalid callback base url: %w", err)
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{cfg: cfg, deps: deps, log: log, base: base, cancel: cancel}, nil
}

// CallbackURL is the one-shot address embedded in the submission for id.
func (d *Dispatcher) CallbackURL(id int64) string {
	return d.cfg.CallbackBaseURL + "/calls/" + strconv.FormatInt(id, 10) + "/callback"
}

// Dispatch creates a PENDING call for meta and starts its submission.
//
// If ref does not resolve to a readable artifact the call is still created,
// flagged artifact-missing, and the returned error wraps ErrArtifactNotFound
// together with the new ID. Submission failures are never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, meta calls.Metadata, ref string) (int64, error) {
	if strings.TrimSpace(meta.RecordingFilePath) == "" {
		meta.RecordingFilePath = ref
	}
	if ref == "" {
		ref = meta.RecordingFilePath
	}
	if err := meta.Validate(); err != nil {
		return 0, err
	}

	// Only existence is checked here. The artifact is opened again once a
	// slot is held so queued submissions keep no file open.
	lerr := d.checkArtifact(ref)
	c, err := d.deps.Calls.Create(ctx, calls.Call{Metadata: meta, ArtifactMissing: lerr != nil})
	if err != nil {
		return 0, fmt.Errorf("create call: %w", err)
	}

	log := logger.From(ctx, d.log)
	if lerr != nil {
		d.finish(ctx, log, Outcome{CallID: c.ID, Kind: OutcomeArtifactNotFound, Err: lerr})
		return c.ID, fmt.Errorf("%w: call %d: %v", ErrArtifactNotFound, c.ID, lerr)
	}

	// The submission outlives the request; its span links back to it.
	link := trace.LinkFromContext(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sctx, span := observe.StartCallSpan(d.base, "dispatch.submit", c.ID, trace.WithLinks(link))
		tlog := observe.WithTrace(sctx, log)
		out := d.submit(sctx, tlog, c.ID, ref)
		d.finish(sctx, tlog, out)
		observe.EndSpan(span, string(out.Kind), out.Err)
	}()
	return c.ID, nil
}

func (d *Dispatcher) checkArtifact(ref string) error {
	art, err := d.deps.Locator.Open(ref)
	if err != nil {
		return err
	}
	_ = art.Close()
	return nil
}

// acquire waits at most QueueTimeout for a slot. A nil Limiter never blocks.
func (d *Dispatcher) acquire(ctx context.Context) (func(), error) {
	if d.deps.Limiter == nil {
		return func() {}, nil
	}
	qctx, cancel := context.WithTimeout(ctx, d.cfg.QueueTimeout)
	defer cancel()
	release, err := d.deps.Limiter.Acquire(qctx)
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (d *Dispatcher) submit(ctx context.Context, log *slog.Logger, id int64, ref string) (out Outcome) {
	start := time.Now()
	out = Outcome{CallID: id}
	defer func() { out.Duration = time.Since(start) }()

	release, err := d.acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			out.Kind, out.Err = OutcomeQueueTimeout, fmt.Errorf("wait for dispatch slot: %w", err)
		} else {
			out.Kind, out.Err = OutcomeError, err
		}
		return out
	}
	defer release()

	// The reaper (or an early callback) may have finalized the call while it
	// was queued.
	cur, err := d.deps.Calls.Get(ctx, id)
	if err != nil {
		out.Kind, out.Err = OutcomeError, fmt.Errorf("load call: %w", err)
		return out
	}
	if cur.State.IsTerminal() {
		out.Kind = OutcomeSkipped
		return out
	}

	done := d.deps.Metrics.DispatchStarted(ctx)
	defer done()

	art, err := d.deps.Locator.Open(ref)
	if err != nil {
		out.Kind, out.Err = OutcomeArtifactNotFound, err
		return out
	}
	file, err := io.ReadAll(art)
	_ = art.Close()
	if err != nil {
		out.Kind, out.Err = OutcomeError, fmt.Errorf("read artifact: %w", err)
		return out
	}

	attempts, serr := d.deps.Submitter.Submit(ctx, Submission{
		CallID:     id,
		WebhookURL: d.CallbackURL(id),
		FileName:   art.Name,
		File:       file,
	})
	out.Attempts = attempts
	switch {
	case serr == nil:
		out.Kind = OutcomeSubmitted
	case errors.Is(serr, ErrRejected):
		out.Kind, out.Err = OutcomeRejected, serr
	default:
		out.Kind, out.Err = OutcomeTransportError, serr
	}

	if _, err := d.deps.Recorder.RecordDispatch(ctx, id, serr == nil, attempts); err != nil {
		log.Error("record dispatch failed", "call_id", id, "err", err)
	}
	return out
}

// finish is the single place an Outcome is reported.
func (d *Dispatcher) finish(ctx context.Context, log *slog.Logger, out Outcome) {
	attrs := []any{
		"call_id", out.CallID,
		"outcome", string(out.Kind),
		"attempts", out.Attempts,
		"duration_ms", out.Duration.Milliseconds(),
	}
	msg := ""
	if out.Err != nil {
		msg = out.Err.Error()
		attrs = append(attrs, "err", msg)
		log.Warn("dispatch", attrs...)
	} else {
		log.Info("dispatch", attrs...)
	}

	d.deps.Metrics.RecordDispatch(ctx, string(out.Kind), out.Duration.Seconds())
	if d.deps.Audit != nil {
		if err := d.deps.Audit.LogDispatch(ctx, out.CallID, string(out.Kind), msg); err != nil {
			log.Warn("audit append failed", "call_id", out.CallID, "err", err)
		}
	}
	if d.deps.OnOutcome != nil {
		d.deps.OnOutcome(out)
	}
}

// Wait blocks until every started submission has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close waits for in-flight submissions until ctx ends, then cancels
// whatever is still running. Calls left PENDING are resolved by the reaper.
func (d *Dispatcher) Close(ctx context.Context) error {
	defer d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
