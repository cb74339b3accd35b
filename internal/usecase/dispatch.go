// Package usecase implements the dispatch pipeline: request normalization,
// worker acquisition, rendezvous wait, and reply parsing.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
)

// errNoIdle drives the acquisition retry loop; never escapes Dispatch.
var errNoIdle = errors.New("no idle worker")

// DispatchService forwards one completion request to a claimed worker and
// waits for the correlated reply. Many dispatches may run concurrently;
// each holds at most one worker, and a worker serves at most one dispatch
// at any instant.
type DispatchService struct {
	Registry     *pool.Registry
	Table        *rendezvous.Table
	AcquireWait  time.Duration
	ResponseWait time.Duration
}

// NewDispatchService wires the dispatcher to its registry and rendezvous table.
func NewDispatchService(reg *pool.Registry, tbl *rendezvous.Table, acquireWait, responseWait time.Duration) *DispatchService {
	return &DispatchService{Registry: reg, Table: tbl, AcquireWait: acquireWait, ResponseWait: responseWait}
}

// Dispatch runs the full request lifecycle for a pre-minted request id.
// Whatever the exit path, the rendezvous slot is closed and a still-present
// worker is released exactly once.
func (d *DispatchService) Dispatch(ctx context.Context, requestID string, req domain.CompletionRequest) (domain.CompletionResult, error) {
	norm, err := Normalize(req)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	claim, err := d.acquire(ctx)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	// One retry on a different worker when the first transmit fails.
	for attempt := 0; ; attempt++ {
		res, sendErr, dispatchErr := d.runOnWorker(ctx, requestID, norm, claim)
		if sendErr == nil {
			return res, dispatchErr
		}
		slog.Warn("transmit to worker failed",
			slog.String("request_id", requestID),
			slog.String("worker_id", claim.WorkerID),
			slog.Int("attempt", attempt),
			slog.Any("error", sendErr))
		if attempt >= 1 {
			return domain.CompletionResult{}, fmt.Errorf("%w: %v", domain.ErrTransport, sendErr)
		}
		next, ok := d.Registry.ClaimIdle()
		if !ok {
			return domain.CompletionResult{}, fmt.Errorf("%w: %v", domain.ErrTransport, sendErr)
		}
		claim = next
	}
}

// acquire polls claim-idle until a worker is won or the acquisition window
// elapses. No fair queueing: concurrent callers may be admitted in any order.
func (d *DispatchService) acquire(ctx context.Context) (pool.Claim, error) {
	var claim pool.Claim
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = d.AcquireWait

	op := func() error {
		c, ok := d.Registry.ClaimIdle()
		if !ok {
			return errNoIdle
		}
		claim = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return pool.Claim{}, fmt.Errorf("%w: acquisition window %s elapsed", domain.ErrNoWorker, d.AcquireWait)
	}
	return claim, nil
}

// runOnWorker opens the rendezvous slot, transmits, and awaits the reply on
// a single claimed worker. sendErr is non-nil only for transmit failures,
// which leave the claim eligible for one retry elsewhere; any later failure
// is terminal and comes back in dispatchErr.
func (d *DispatchService) runOnWorker(ctx context.Context, requestID string, norm Normalized, claim pool.Claim) (res domain.CompletionResult, sendErr, dispatchErr error) {
	deadline := time.Now().Add(d.ResponseWait)
	slot, err := d.Table.Open(requestID, claim.WorkerID, deadline)
	if err != nil {
		d.Registry.Release(claim.WorkerID)
		return res, nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	frame := norm.Frame(requestID, claim.SystemDigest, claim.ToolsDigest)
	if err := claim.Transport.Send(ctx, frame); err != nil {
		d.Table.Close(requestID)
		// The connection is suspect; closing it triggers session teardown,
		// which removes the worker and cancels its remaining slots.
		_ = claim.Transport.Close()
		d.Registry.Remove(claim.WorkerID)
		return res, err, nil
	}

	// Transmit succeeded: commit the worker's payload caches.
	d.Registry.CommitDigests(claim.WorkerID, norm.SystemDigest, norm.ToolsDigest)
	slog.Info("completion request forwarded",
		slog.String("request_id", requestID),
		slog.String("worker_id", claim.WorkerID),
		slog.Bool("system_cached", frame.SystemCached),
		slog.Bool("tools_cached", frame.ToolsCached))

	reply, err := d.Table.Await(ctx, slot)
	switch {
	case err == nil:
		d.Registry.Release(claim.WorkerID)
		if reply.Error != nil {
			return res, nil, fmt.Errorf("%w: worker reported: %s", domain.ErrInternal, reply.Error.Message)
		}
		return ParseReply(reply), nil, nil
	case errors.Is(err, domain.ErrWorkerGone):
		// Session teardown already removed the worker and closed the slot.
		return res, nil, err
	default:
		// Timeout or caller cancellation: the worker may still reply later;
		// that reply will be a stray. The worker goes back to idle.
		d.Table.Close(requestID)
		d.Registry.Release(claim.WorkerID)
		return res, nil, err
	}
}
