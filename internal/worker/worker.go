package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/curator/internal/discovery"
	"github.com/kalambet/curator/internal/lifecycle"
	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
)

// Discoverer runs one discovery pass.
type Discoverer interface {
	Discover(ctx context.Context, params discovery.Params) ([]storage.MediaItem, error)
}

// ParamsSource supplies the settings snapshot for a run.
type ParamsSource interface {
	Params(ctx context.Context) (discovery.Params, error)
}

// Approver publishes newly discovered media when auto-approval is on.
type Approver interface {
	Approve(ctx context.Context, id int64) (social.PostID, error)
	Budget(ctx context.Context) (used, limit int, err error)
}

// Result summarizes one scheduled run.
type Result struct {
	Created  int
	Approved int
}

// Worker runs discovery on a fixed interval and on demand.
type Worker struct {
	discoverer Discoverer
	params     ParamsSource
	approver   Approver
	interval   time.Duration
	timeout    time.Duration
	trigger    chan struct{}
	logger     *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to 6h.
// A timeout <= 0 leaves runs unbounded.
func NewWorker(d Discoverer, params ParamsSource, interval, timeout time.Duration) *Worker {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Worker{
		discoverer: d,
		params:     params,
		interval:   interval,
		timeout:    timeout,
		trigger:    make(chan struct{}, 1),
		logger:     slog.Default().With("component", "worker"),
	}
}

// SetAutoApprove makes every run publish the media it creates through a,
// as long as the daily budget allows. A nil a turns auto-approval off.
func (w *Worker) SetAutoApprove(a Approver) {
	w.approver = a
}

// Trigger requests a run as soon as the worker is idle. It never blocks;
// requests made while one is already queued are merged. It reports whether
// a new run was queued.
func (w *Worker) Trigger() bool {
	select {
	case w.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run performs a run immediately, then one per interval or trigger, until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			if errors.Is(err, social.ErrAuth) {
				w.logger.Error("social session rejected, waiting for next scan; run `curator login` to re-authenticate", "error", err)
			} else if ctx.Err() == nil {
				w.logger.Error("discovery run failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs a single discovery run bounded by the worker's timeout,
// then auto-approves the created items if enabled.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	params, err := w.params.Params(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading discovery settings: %w", err)
	}

	runCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	created, err := w.discoverer.Discover(runCtx, params)
	res := Result{Created: len(created)}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			w.logger.Warn("discovery run timed out", "timeout", w.timeout, "created", len(created))
		}
		return res, err
	}

	if w.approver != nil && len(created) > 0 {
		res.Approved = w.autoApprove(ctx, created)
	}
	return res, nil
}

func (w *Worker) autoApprove(ctx context.Context, items []storage.MediaItem) int {
	approved := 0
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		used, limit, err := w.approver.Budget(ctx)
		if err != nil {
			w.logger.Error("reading publish budget failed, stopping auto-approve", "error", err)
			break
		}
		if used >= limit {
			w.logger.Info("daily limit reached, leaving remaining media for review",
				"remaining", len(items)-i, "limit", limit)
			break
		}

		postID, err := w.approver.Approve(ctx, item.ID)
		if err != nil {
			w.logger.Warn("auto-approve failed", "media_id", item.ID, "error", err)
			if errors.Is(err, lifecycle.ErrRateLimitExceeded) || errors.Is(err, social.ErrAuth) {
				break
			}
			continue
		}
		approved++
		w.logger.Info("auto-approved", "media_id", item.ID, "post_id", postID)
	}
	return approved
}
