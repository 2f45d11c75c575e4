package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

type deliveryResult int

const (
	resultSynced deliveryResult = iota + 1
	resultRetried
	resultFailed
	resultConflict
)

// runPass guards exclusivity and records the outcome of one pass.
func (e *Engine) runPass(ctx context.Context, reason string) (Outcome, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Outcome{}, ErrPassInProgress
	}
	defer e.draining.Store(false)

	start := time.Now()
	out := e.drain(ctx, reason)
	e.metrics.ObservePass(string(out.State), time.Since(start))

	e.mu.Lock()
	e.last = out
	e.mu.Unlock()

	e.outcomes.Publish(out)
	e.recordDepth(context.WithoutCancel(ctx))
	e.signalRearm()
	return out, out.Err
}

// drain is one pass: snapshot, then deliver in snapshot order.
func (e *Engine) drain(ctx context.Context, reason string) Outcome {
	out := Outcome{
		State: Draining,
		Session: Session{
			ID:        e.ids.Generate(),
			Seq:       e.passes.Next(),
			Trigger:   reason,
			StartedAt: e.clock.Now(),
		},
	}

	ctx, span := e.tracer.Start(ctx, "sync.pass", trace.WithAttributes(
		attribute.String("sync.session", out.Session.ID),
		attribute.String("sync.trigger", reason),
	))
	defer span.End()

	snapshot, err := e.queue.PeekReady(ctx, "")
	if err != nil {
		return e.finish(span, out, err)
	}
	out.Session.Snapshot = make([]string, len(snapshot))
	for i, a := range snapshot {
		out.Session.Snapshot[i] = a.ID
	}

	e.logger.Info("sync pass started",
		"session", out.Session.ID,
		"trigger", reason,
		"ready", len(snapshot),
	)

	blocked := make(map[string]bool)
	for _, a := range snapshot {
		if err := ctx.Err(); err != nil {
			return e.finish(span, out, err)
		}
		if blocked[a.Scope] {
			out.Skipped++
			continue
		}

		result, err := e.deliver(ctx, a)
		if err != nil {
			return e.finish(span, out, err)
		}
		out.Delivered++

		switch result {
		case resultSynced:
			out.Synced++
			continue
		case resultRetried:
			out.Retried++
		case resultFailed:
			out.Failed++
		case resultConflict:
			out.Conflicts++
		}
		// Later actions of this scope wait for the head.
		blocked[a.Scope] = true
	}

	return e.finish(span, out, nil)
}

func (e *Engine) finish(span trace.Span, out Outcome, err error) Outcome {
	out.Session.EndedAt = e.clock.Now()
	out.Err = err
	out.State = Completed
	if err != nil {
		out.State = Failed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("sync.state", string(out.State)),
		attribute.Int("sync.synced", out.Synced),
		attribute.Int("sync.retried", out.Retried),
		attribute.Int("sync.failed", out.Failed),
		attribute.Int("sync.conflicts", out.Conflicts),
	)

	attrs := []any{
		"session", out.Session.ID,
		"state", out.State,
		"delivered", out.Delivered,
		"synced", out.Synced,
		"retried", out.Retried,
		"failed", out.Failed,
		"conflicts", out.Conflicts,
		"skipped", out.Skipped,
	}
	if err != nil {
		e.logger.Warn("sync pass ended", append(attrs, "error", err)...)
	} else {
		e.logger.Info("sync pass ended", attrs...)
	}
	return out
}

// deliver performs one attempt of a. A non-nil error aborts the pass.
func (e *Engine) deliver(ctx context.Context, a model.QueuedAction) (deliveryResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.deliver", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.scope", a.Scope),
		attribute.String("action.kind", a.Kind.String()),
		attribute.Int("action.attempt", a.Attempts+1),
	))
	defer span.End()

	a, err := e.queue.MarkInFlight(ctx, a.ID)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	res, callErr := e.endpoint.Execute(callCtx, remote.Request{
		Kind:             a.Kind,
		Target:           a.Payload.Target,
		Payload:          a.Payload.Body,
		IdempotencyToken: a.ID,
	})
	cancel()

	// Queue bookkeeping must land even when the pass is being cancelled.
	bctx := context.WithoutCancel(ctx)

	if callErr == nil {
		return e.succeed(bctx, a, res.State)
	}

	if ctx.Err() != nil {
		if _, err := e.queue.Release(bctx, a.ID); err != nil {
			return 0, errors.Join(ctx.Err(), err)
		}
		e.logger.Info("delivery abandoned: pass cancelled", "id", a.ID, "scope", a.Scope)
		return 0, ctx.Err()
	}

	cause := remote.Classify(callErr)
	if errors.Is(cause, context.Canceled) {
		cause = remote.NetworkError(callErr)
	}

	if a.Kind.Tag() == model.KindDelete && remote.IsGone(cause) {
		e.logger.Debug("delete target already gone", "id", a.ID)
		return e.succeed(bctx, a, &model.AuthoritativeState{Deleted: true})
	}

	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	return e.fail(bctx, a, cause)
}

// succeed writes authoritative state through to the cache, then marks the
// action synced. A crash in between redelivers under the same token.
func (e *Engine) succeed(ctx context.Context, a model.QueuedAction, state *model.AuthoritativeState) (deliveryResult, error) {
	e.writeThrough(ctx, a, state)

	if _, err := e.queue.MarkSynced(ctx, a.ID); err != nil {
		return 0, err
	}

	e.logger.Debug("action synced", "id", a.ID, "scope", a.Scope, "kind", a.Kind.String())
	e.metrics.IncDelivery("synced")
	return resultSynced, nil
}

func (e *Engine) writeThrough(ctx context.Context, a model.QueuedAction, state *model.AuthoritativeState) {
	if e.cache == nil {
		return
	}

	key := a.Payload.Target.CacheKey
	if state != nil && state.Key != "" {
		key = state.Key
	}
	if key == "" {
		return
	}

	var err error
	switch {
	case a.Kind.Tag() == model.KindDelete || (state != nil && state.Deleted):
		err = e.cache.Invalidate(ctx, key)
	case state != nil && state.Value != nil:
		err = e.cache.Put(ctx, key, state.Value, state.TTL)
		if errors.Is(err, cache.ErrEntryTooLarge) {
			// Drop the stale copy rather than keep serving it.
			err = e.cache.Invalidate(ctx, key)
		}
	}
	if err != nil {
		e.logger.Error("cache write-through failed", "id", a.ID, "key", key, "error", err)
	}
}

// fail records a failed attempt and publishes terminal failures.
func (e *Engine) fail(ctx context.Context, a model.QueuedAction, cause error) (deliveryResult, error) {
	now := e.clock.Now()
	retryAt := now.Add(retryDelay(a.Attempts+1, e.baseBackoff, e.maxBackoff, e.jitter))

	updated, err := e.queue.MarkFailed(ctx, a.ID, cause, retryAt)
	if err != nil {
		return 0, err
	}

	if updated.Status == model.StatusPending {
		e.logger.Info("delivery failed, retry scheduled",
			"id", a.ID,
			"scope", a.Scope,
			"attempts", updated.Attempts,
			"retry_at", retryAt,
			"error", cause,
		)
		e.metrics.IncDelivery("retried")
		return resultRetried, nil
	}

	var re *remote.Error
	if errors.As(cause, &re) && re.Kind == remote.KindConflict {
		e.logger.Warn("action conflicts with remote state", "id", a.ID, "scope", a.Scope, "detail", re.Detail)
		e.metrics.IncDelivery("conflict")
		e.conflicts.Publish(Conflict{
			Action:      updated,
			RemoteState: re.RemoteState,
			Detail:      re.Detail,
			At:          now,
		})
		return resultConflict, nil
	}

	de := &DeliveryError{
		Code:     deliveryCode(cause),
		ActionID: a.ID,
		Scope:    a.Scope,
		Attempts: updated.Attempts,
		Err:      cause,
	}
	e.logger.Warn("action failed terminally", "id", a.ID, "scope", a.Scope, "error", de)
	e.metrics.IncDelivery("failed")
	e.failures.Publish(Failure{
		Action: updated,
		Err:    de,
		Reason: de.Error(),
		At:     now,
	})
	return resultFailed, nil
}

// recordDepth refreshes queue gauges after a pass.
func (e *Engine) recordDepth(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		e.logger.Debug("queue depth unavailable", "error", err)
		return
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	e.metrics.SetQueueDepth(byName)
}
