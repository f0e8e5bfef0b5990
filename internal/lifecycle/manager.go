package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kalambet/curator/internal/metrics"
	"github.com/kalambet/curator/internal/render"
	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
)

// ErrRateLimitExceeded is returned when today's action budget is used up.
// It reaches callers wrapped in a StepError with step StepBudget.
var ErrRateLimitExceeded = errors.New("daily action limit reached")

// Step names a stage of the publish flow.
type Step string

const (
	StepDownload Step = "download"
	StepRender   Step = "render"
	StepBudget   Step = "budget"
	StepPublish  Step = "publish"
)

// StepError reports which publish step failed. The media item has been
// moved to failed with Err as its error message.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetMedia(ctx context.Context, id int64) (storage.MediaItem, error)
	ListMedia(ctx context.Context, f storage.MediaFilter) ([]storage.MediaItem, error)
	TransitionMedia(ctx context.Context, id int64, to storage.MediaStatus, upd storage.MediaUpdate) (storage.MediaItem, error)
	SetMediaFilePath(ctx context.Context, id int64, path string) error
	SetMediaError(ctx context.Context, id int64, msg string) error
	AppendPostLog(ctx context.Context, l storage.PostLog) error
	ActionCount(ctx context.Context, day string) (int, error)
	IncrementActionCount(ctx context.Context, day string) (int, error)
	ResetActionCount(ctx context.Context, day string) error
}

// Options configures a Manager.
type Options struct {
	DownloadDir string
	DailyLimit  int
	Render      bool // default for Approve
}

// PublishOptions controls a single publish.
type PublishOptions struct {
	Render bool
}

// Manager drives media items through the lifecycle and owns the daily
// action budget. Publishes are serialized so the budget check, the platform
// call and the counter increment happen atomically within the process.
type Manager struct {
	store    Store
	client   social.Client
	renderer render.Renderer
	opts     Options
	logger   *slog.Logger

	now   func() time.Time
	limit func(ctx context.Context) int

	mu sync.Mutex
}

// NewManager creates a Manager. renderer may be nil, in which case media is
// published unrendered.
func NewManager(store Store, client social.Client, renderer render.Renderer, opts Options) *Manager {
	m := &Manager{
		store:    store,
		client:   client,
		renderer: renderer,
		opts:     opts,
		logger:   slog.Default().With("component", "lifecycle"),
		now:      time.Now,
	}
	m.limit = func(context.Context) int { return m.opts.DailyLimit }
	return m
}

// SetLimitFunc replaces the source of the daily action limit. It is called
// at every budget check.
func (m *Manager) SetLimitFunc(f func(ctx context.Context) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = f
}

// Approve publishes id with the configured render default.
func (m *Manager) Approve(ctx context.Context, id int64) (social.PostID, error) {
	return m.Publish(ctx, id, PublishOptions{Render: m.opts.Render})
}

// interruptedMessage is recorded on items found half-way through a publish.
const interruptedMessage = "interrupted"

// Retry republishes a failed item. An item left in processing or ready by
// a crash or restart is first moved to failed as interrupted. Items in any
// other status are refused with storage.ErrIllegalTransition.
func (m *Manager) Retry(ctx context.Context, id int64) (social.PostID, error) {
	item, err := m.store.GetMedia(ctx, id)
	if err != nil {
		return "", err
	}
	switch item.Status {
	case storage.StatusFailed:
	case storage.StatusProcessing, storage.StatusReady:
		if err := m.markInterrupted(ctx, item); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: only failed or interrupted media can be retried, media %d is %s",
			storage.ErrIllegalTransition, id, item.Status)
	}
	return m.Approve(ctx, id)
}

// RecoverInterrupted moves every item left in processing or ready to failed
// so it can be retried. It is meant for start-up, before any publish runs,
// and returns how many items were moved.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	const page = 100
	n := 0
	for _, st := range []storage.MediaStatus{storage.StatusProcessing, storage.StatusReady} {
		for {
			// Moved items leave the status, so every pass reads the first page.
			items, err := m.store.ListMedia(ctx, storage.MediaFilter{Status: st, Limit: page})
			if err != nil {
				return n, fmt.Errorf("listing %s media: %w", st, err)
			}
			for _, item := range items {
				err := m.markInterrupted(ctx, item)
				if errors.Is(err, storage.ErrIllegalTransition) {
					continue
				}
				if err != nil {
					return n, err
				}
				n++
			}
			if len(items) < page {
				break
			}
		}
	}
	return n, nil
}

// markInterrupted moves an item stuck in processing or ready to failed. It
// takes the publish lock, so an item mid-publish in this process is left to
// finish and the transition then re-checks its status.
func (m *Manager) markInterrupted(ctx context.Context, item storage.MediaItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := interruptedMessage
	if item.ErrorMessage != "" {
		msg = interruptedMessage + ": " + item.ErrorMessage
	}
	if _, err := m.store.TransitionMedia(ctx, item.ID, storage.StatusFailed, storage.MediaUpdate{ErrorMessage: &msg}); err != nil {
		return err
	}
	m.appendLog(ctx, m.logger, storage.PostLog{MediaID: item.ID, ErrorMessage: msg, PostedAt: m.now().UTC()})
	m.logger.Warn("interrupted media moved to failed", "media_id", item.ID, "code", item.Code, "was", item.Status)
	return nil
}

// Reject moves a media item awaiting review to rejected.
func (m *Manager) Reject(ctx context.Context, id int64) (storage.MediaItem, error) {
	item, err := m.store.TransitionMedia(ctx, id, storage.StatusRejected, storage.MediaUpdate{})
	if err != nil {
		return storage.MediaItem{}, err
	}
	m.logger.Info("media rejected", "media_id", id, "code", item.Code)
	return item, nil
}

// Budget returns today's used actions and the current limit.
func (m *Manager) Budget(ctx context.Context) (used, limit int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	used, err = m.store.ActionCount(ctx, storage.DayKey(m.now()))
	if err != nil {
		return 0, 0, fmt.Errorf("reading action counter: %w", err)
	}
	metrics.DailyActions.Set(float64(used))
	return used, m.limit(ctx), nil
}

// ResetDailyCounter sets today's action counter back to zero.
func (m *Manager) ResetDailyCounter(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := storage.DayKey(m.now())
	if err := m.store.ResetActionCount(ctx, day); err != nil {
		return fmt.Errorf("resetting action counter: %w", err)
	}
	metrics.DailyActions.Set(0)
	m.logger.Info("daily action counter reset", "day", day)
	return nil
}

// Publish downloads, optionally renders and posts a media item as a story.
//
// A missing item returns storage.ErrNotFound and an item whose status does
// not allow processing returns storage.ErrIllegalTransition; neither changes
// the item. Once processing has started every failure moves the item to
// failed, appends a failed post log and returns a *StepError.
func (m *Manager) Publish(ctx context.Context, id int64, opts PublishOptions) (social.PostID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.store.TransitionMedia(ctx, id, storage.StatusProcessing, storage.MediaUpdate{})
	if err != nil {
		return "", err
	}
	logger := m.logger.With("media_id", id, "code", item.Code)
	logger.Info("publishing media", "render", opts.Render)

	source, err := m.download(ctx, item)
	if err != nil {
		return "", m.fail(ctx, logger, item, StepDownload, err)
	}

	path := source
	if opts.Render && m.renderer != nil {
		rendered, err := m.renderer.Render(ctx, source, render.Overlay{Handle: item.CreatorHandle, Name: item.Code})
		switch {
		case errors.Is(err, render.ErrUnavailable):
			logger.Warn("renderer unavailable, publishing source file", "error", err)
		case err != nil:
			return "", m.fail(ctx, logger, item, StepRender, err)
		default:
			path = rendered
		}
	}

	if _, err := m.store.TransitionMedia(ctx, id, storage.StatusReady, storage.MediaUpdate{}); err != nil {
		return "", m.fail(ctx, logger, item, StepRender, fmt.Errorf("marking ready: %w", err))
	}

	day := storage.DayKey(m.now())
	used, err := m.store.ActionCount(ctx, day)
	if err != nil {
		return "", m.fail(ctx, logger, item, StepBudget, fmt.Errorf("reading action counter: %w", err))
	}
	if limit := m.limit(ctx); used >= limit {
		logger.Warn("daily action limit reached", "used", used, "limit", limit)
		return "", m.fail(ctx, logger, item, StepBudget, ErrRateLimitExceeded)
	}

	postID, err := m.client.PublishStory(ctx, path, Caption(item.CreatorHandle, item.Caption))
	if err != nil {
		return "", m.fail(ctx, logger, item, StepPublish, err)
	}

	if n, err := m.store.IncrementActionCount(context.WithoutCancel(ctx), day); err != nil {
		logger.Error("incrementing action counter failed", "error", err)
	} else {
		metrics.DailyActions.Set(float64(n))
	}

	now := m.now().UTC()
	cleared := ""
	if _, err := m.store.TransitionMedia(context.WithoutCancel(ctx), id, storage.StatusPublished,
		storage.MediaUpdate{PublishedAt: &now, ErrorMessage: &cleared}); err != nil {
		logger.Error("recording published status failed", "post_id", postID, "error", err)
		// The story is live; leave a trace on the item so a later retry is
		// not mistaken for a first attempt.
		msg := fmt.Sprintf("published as story %s; status update failed: %v", postID, err)
		if err := m.store.SetMediaError(context.WithoutCancel(ctx), id, msg); err != nil {
			logger.Error("recording publish note failed", "post_id", postID, "error", err)
		}
	}
	m.appendLog(ctx, logger, storage.PostLog{MediaID: id, Success: true, PostID: string(postID), PostedAt: now})
	metrics.PublishAttempts.WithLabelValues("published").Inc()

	logger.Info("media published", "post_id", postID)
	return postID, nil
}

// download returns a local copy of the item, fetching it when no file is
// recorded or the recorded file has gone.
func (m *Manager) download(ctx context.Context, item storage.MediaItem) (string, error) {
	if item.FilePath != "" {
		if _, err := os.Stat(item.FilePath); err == nil {
			return item.FilePath, nil
		}
	}

	name := item.Code
	if name == "" {
		name = item.PlatformMediaID
	}
	if err := os.MkdirAll(m.opts.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir: %w", err)
	}
	dest := filepath.Join(m.opts.DownloadDir, name+".mp4")
	if err := m.client.Download(ctx, item.PlatformMediaID, dest); err != nil {
		return "", err
	}
	if err := m.store.SetMediaFilePath(ctx, item.ID, dest); err != nil {
		return "", fmt.Errorf("recording file path: %w", err)
	}
	return dest, nil
}

// fail moves the item to failed and records the attempt. The writes are
// detached from ctx so a cancelled request still leaves the failure behind.
func (m *Manager) fail(ctx context.Context, logger *slog.Logger, item storage.MediaItem, step Step, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if _, err := m.store.TransitionMedia(ctx, item.ID, storage.StatusFailed, storage.MediaUpdate{ErrorMessage: &msg}); err != nil {
		logger.Error("recording failed status failed", "step", step, "error", err)
	}
	m.appendLog(ctx, logger, storage.PostLog{MediaID: item.ID, ErrorMessage: msg, PostedAt: m.now().UTC()})

	outcome := string(step)
	if errors.Is(cause, ErrRateLimitExceeded) {
		outcome = "rate_limited"
	}
	metrics.PublishAttempts.WithLabelValues(outcome).Inc()

	logger.Warn("publish failed", "step", step, "error", cause)
	return &StepError{Step: step, Err: cause}
}

func (m *Manager) appendLog(ctx context.Context, logger *slog.Logger, l storage.PostLog) {
	l.ID = uuid.New().String()
	if err := m.store.AppendPostLog(context.WithoutCancel(ctx), l); err != nil {
		logger.Error("appending post log failed", "error", err)
	}
}

// captionExcerpt is how many runes of the original caption are reposted.
const captionExcerpt = 100

// Caption builds the story caption crediting handle, followed by the start
// of the original caption.
func Caption(handle, original string) string {
	credit := "📸 Credit: @" + handle
	if original == "" {
		return credit
	}
	excerpt := original
	if utf8.RuneCountInString(original) > captionExcerpt {
		excerpt = string([]rune(original)[:captionExcerpt]) + "..."
	}
	return credit + "\n\n" + excerpt
}
