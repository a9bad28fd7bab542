// Package correlation reconciles asynchronous analysis callbacks onto the
// calls they belong to.
//
// Engine is the only component that mutates a call after creation: it applies
// callbacks and records dispatch acknowledgements. Each mutation is a single
// conditional update in calls.Repository, so duplicate or concurrent callbacks
// for one call produce exactly one Applied outcome.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"salescall-platform/internal/analysis"
	"salescall-platform/internal/audit"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/observe"
	"salescall-platform/pkg/logger"
)

type Kind string

const (
	KindApplied          Kind = "applied"
	KindAlreadyFinalized Kind = "already_finalized"
	KindUnknownCall      Kind = "unknown_call"
	KindMissingResult    Kind = "missing_result"
	KindNotDispatched    Kind = "not_dispatched"
)

// Outcome is the typed result of one callback. It is a value, not an error:
// every expected third-party misbehavior maps to a Kind.
type Outcome struct {
	Kind    Kind
	CallID  int64
	Message string

	// Call is the stored record after the callback. Zero for UnknownCall.
	Call calls.Call
}

func (o Outcome) Applied() bool { return o.Kind == KindApplied }

type Engine struct {
	repo    calls.Repository
	audit   *audit.Service
	metrics *observe.Metrics
	log     *slog.Logger
	clock   func() time.Time
}

// NewEngine wires the engine. auditSvc and metrics may be nil.
func NewEngine(repo calls.Repository, auditSvc *audit.Service, metrics *observe.Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{repo: repo, audit: auditSvc, metrics: metrics, log: log, clock: time.Now}
}

// OnCallback maps raw to the call identified by id and applies it at most once.
//
// The returned error is non-nil only for storage failures.
func (e *Engine) OnCallback(ctx context.Context, id int64, raw []byte) (Outcome, error) {
	ctx, span := observe.StartCallSpan(ctx, "correlation.callback", id)
	out, err := e.onCallback(ctx, id, raw)
	e.observe(ctx, id, raw, out, err)
	observe.EndSpan(span, string(out.Kind), err)
	return out, err
}

func (e *Engine) onCallback(ctx context.Context, id int64, raw []byte) (Outcome, error) {
	if _, err := e.repo.Get(ctx, id); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return Outcome{Kind: KindUnknownCall, CallID: id, Message: "call not found"}, nil
		}
		return Outcome{CallID: id}, fmt.Errorf("load call %d: %w", id, err)
	}

	res, shape, err := analysis.NormalizeShape(raw)
	if err != nil {
		return Outcome{Kind: KindMissingResult, CallID: id, Message: "malformed json"}, nil
	}
	if res == nil {
		return Outcome{Kind: KindMissingResult, CallID: id, Message: "no analysis result found in payload"}, nil
	}

	c, applied, err := e.repo.ApplyCallback(ctx, id, *res, analysis.SanitizeText(string(raw)), e.clock().UTC())
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return Outcome{Kind: KindUnknownCall, CallID: id, Message: "call not found"}, nil
		}
		return Outcome{CallID: id}, fmt.Errorf("apply callback %d: %w", id, err)
	}

	switch {
	case applied:
		return Outcome{Kind: KindApplied, CallID: id, Call: c, Message: "analysis applied from " + string(shape)}, nil
	case c.ArtifactMissing && !c.State.IsTerminal():
		return Outcome{Kind: KindNotDispatched, CallID: id, Call: c, Message: "call was never dispatched"}, nil
	default:
		return Outcome{Kind: KindAlreadyFinalized, CallID: id, Call: c, Message: "call already " + string(c.State)}, nil
	}
}

func (e *Engine) observe(ctx context.Context, id int64, raw []byte, out Outcome, err error) {
	log := observe.WithTrace(ctx, logger.From(ctx, e.log)).With("call_id", id)
	kind := string(out.Kind)
	if err != nil {
		kind = "error"
		log.Error("callback storage failure", "err", err)
	} else {
		switch out.Kind {
		case KindApplied:
			log.Info("callback applied", "state", out.Call.State)
		case KindAlreadyFinalized:
			log.Info("duplicate callback ignored", "state", out.Call.State, "callback_attempts", out.Call.CallbackAttempts)
		default:
			log.Warn("callback not applied", "outcome", kind, "reason", out.Message, "body_bytes", len(raw))
		}
	}

	e.metrics.RecordCallback(ctx, kind)
	if e.audit != nil {
		if aerr := e.audit.LogCallback(ctx, id, kind, logger.RequestID(ctx), len(raw), out.Message); aerr != nil {
			log.Warn("audit append failed", "err", aerr)
		}
	}
}

// RecordDispatch stores the workflow's acknowledgement of a submission that
// took attempts HTTP requests. accepted moves a PENDING call to PROCESSING; a
// call already finalized by a faster callback is left as is.
func (e *Engine) RecordDispatch(ctx context.Context, id int64, accepted bool, attempts int) (calls.Call, error) {
	c, err := e.repo.RecordDispatch(ctx, id, accepted, attempts, e.clock().UTC())
	if err != nil {
		return calls.Call{}, fmt.Errorf("record dispatch %d: %w", id, err)
	}
	return c, nil
}

// TestPayload is the synthetic array-wrapped body sent by the test-callback
// endpoint.
const TestPayload = `[{"output":{"transcript":"Test transcript","summary":"Test summary","sentimentPercentage":85,"sentimentLabel":"POSITIVE"}}]`
