package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/curator/internal/metrics"
	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
)

// Store is the persistence the pipeline needs.
type Store interface {
	MediaExists(ctx context.Context, platformMediaID string) (bool, error)
	SaveDiscoveryBatch(ctx context.Context, batch []storage.DiscoveredMedia) ([]storage.MediaItem, error)
}

// Params is an immutable snapshot of the settings for one run.
type Params struct {
	Tags          []string
	Locations     []string
	MinFollowers  int
	MinEngagement float64
	MaxPerTag     int
}

// RunReport summarizes a finished discovery run.
type RunReport struct {
	RunID        string         `json:"run_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Sources      int            `json:"sources"`
	SourceErrors int            `json:"source_errors"`
	Admitted     int            `json:"admitted"`
	Created      int            `json:"created"`
	Rejected     map[Reason]int `json:"rejected"`
	Errored      int            `json:"errored"`
	Error        string         `json:"error,omitempty"`
}

// Pipeline scans sources, filters candidates and stores admitted media.
// Discover calls on one Pipeline are serialized.
type Pipeline struct {
	client   social.Client
	store    Store
	delayMin time.Duration
	delayMax time.Duration
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu sync.Mutex

	reportMu sync.Mutex
	last     *RunReport
}

// NewPipeline creates a pipeline. After every admitted candidate it waits a
// random delay in [delayMin, delayMax].
func NewPipeline(client social.Client, store Store, delayMin, delayMax time.Duration) *Pipeline {
	if delayMax < delayMin {
		delayMax = delayMin
	}
	return &Pipeline{
		client:   client,
		store:    store,
		delayMin: delayMin,
		delayMax: delayMax,
		logger:   slog.Default().With("component", "discovery"),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) jitter() time.Duration {
	span := p.delayMax - p.delayMin
	if span <= 0 {
		return p.delayMin
	}
	return p.delayMin + rand.N(span+1)
}

// LastReport returns the report of the most recent finished run, or nil.
func (p *Pipeline) LastReport() *RunReport {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

type source struct {
	kind  string
	name  string
	fetch func(ctx context.Context, limit int) ([]social.Media, error)
}

// creatorInfo caches one creator's lookup for the duration of a run.
type creatorInfo struct {
	profile    social.Profile
	engagement float64
	decision   Decision
}

// run holds the mutable state of one Discover call.
type run struct {
	params   Params
	logger   *slog.Logger
	report   *RunReport
	creators map[string]*creatorInfo
}

// Discover scans every tag and then every location, runs each candidate
// through the filter chain and stores the admitted ones. Each source's
// admissions are written in one batch; a failing source is logged and
// skipped. It returns the media items created by this run.
//
// The only errors returned are context cancellation and social.ErrAuth. In
// both cases the items created before the failure are returned as well.
func (p *Pipeline) Discover(ctx context.Context, params Params) ([]storage.MediaItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := &run{
		params: params,
		report: &RunReport{
			RunID:     uuid.NewString(),
			StartedAt: p.now().UTC(),
			Rejected:  make(map[Reason]int),
		},
		creators: make(map[string]*creatorInfo),
	}
	r.logger = p.logger.With("run_id", r.report.RunID)

	sources := p.sources(params)
	r.report.Sources = len(sources)
	r.logger.Info("discovery started",
		"tags", len(params.Tags), "locations", len(params.Locations),
		"min_followers", params.MinFollowers, "min_engagement", params.MinEngagement)

	created := []storage.MediaItem{}
	var runErr error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		items, err := p.scan(ctx, r, src)
		created = append(created, items...)
		if err != nil {
			runErr = err
			break
		}
	}

	p.finish(r, len(created), runErr)
	return created, runErr
}

func (p *Pipeline) sources(params Params) []source {
	var out []source
	for _, tag := range params.Tags {
		out = append(out, source{kind: "tag", name: tag, fetch: func(ctx context.Context, limit int) ([]social.Media, error) {
			return p.client.SearchByTag(ctx, tag, limit)
		}})
	}
	for _, loc := range params.Locations {
		out = append(out, source{kind: "location", name: loc, fetch: func(ctx context.Context, limit int) ([]social.Media, error) {
			return p.client.SearchByLocation(ctx, loc, limit)
		}})
	}
	return out
}

func (p *Pipeline) finish(r *run, created int, err error) {
	rep := r.report
	rep.FinishedAt = p.now().UTC()
	rep.Created = created
	result := "ok"
	if err != nil {
		rep.Error = err.Error()
		result = "aborted"
		if errors.Is(err, social.ErrAuth) {
			result = "auth"
		}
	}
	metrics.DiscoveryRunDuration.WithLabelValues(result).Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())

	r.logger.Info("discovery complete",
		"created", created, "admitted", rep.Admitted, "errored", rep.Errored,
		"source_errors", rep.SourceErrors, "result", result)

	p.reportMu.Lock()
	p.last = rep
	p.reportMu.Unlock()
}

// fatal reports whether err must end the run.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, social.ErrAuth)
}

func fatalErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// scan processes one source. A non-nil error is always fatal for the run.
func (p *Pipeline) scan(ctx context.Context, r *run, src source) ([]storage.MediaItem, error) {
	logger := r.logger.With(src.kind, src.name)
	logger.Info("scanning source")

	medias, err := src.fetch(ctx, r.params.MaxPerTag)
	if err != nil {
		if fatal(ctx, err) {
			return nil, fatalErr(ctx, err)
		}
		logger.Warn("source fetch failed, skipping", "error", err)
		r.report.SourceErrors++
		metrics.DiscoverySourceErrors.WithLabelValues("fetch").Inc()
		return nil, nil
	}

	var batch []storage.DiscoveredMedia
	seen := make(map[string]bool)
	var stop error
	for _, m := range medias {
		cand, d := p.evaluate(ctx, r, m, seen)
		p.record(r, logger, m, d)

		if d.Outcome == Errored && fatal(ctx, d.Err) {
			stop = fatalErr(ctx, d.Err)
			break
		}
		if d.Outcome != Admitted {
			continue
		}

		seen[m.ID] = true
		batch = append(batch, cand)
		if err := p.sleep(ctx, p.jitter()); err != nil {
			stop = err
			break
		}
	}

	saved, err := p.save(ctx, logger, batch, stop != nil)
	if err != nil {
		r.report.SourceErrors++
		metrics.DiscoverySourceErrors.WithLabelValues("store").Inc()
	}
	metrics.DiscoveryAdmitted.Add(float64(len(saved)))
	return saved, stop
}

// save writes one source's batch. When the run is being aborted the batch
// is still written, detached from the cancelled context.
func (p *Pipeline) save(ctx context.Context, logger *slog.Logger, batch []storage.DiscoveredMedia, aborting bool) ([]storage.MediaItem, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	saveCtx := ctx
	if aborting {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	saved, err := p.store.SaveDiscoveryBatch(saveCtx, batch)
	if err != nil {
		logger.Error("storing discovery batch failed, batch rolled back", "items", len(batch), "error", err)
		return nil, err
	}
	for _, m := range saved {
		logger.Info("discovered", "code", m.Code, "creator", m.CreatorHandle, "media_id", m.ID)
	}
	return saved, nil
}

func (p *Pipeline) record(r *run, logger *slog.Logger, m social.Media, d Decision) {
	metrics.DiscoveryDecisions.WithLabelValues(d.Outcome.String(), string(d.Reason)).Inc()
	switch d.Outcome {
	case Admitted:
		r.report.Admitted++
	case Rejected:
		r.report.Rejected[d.Reason]++
		logger.Debug("candidate rejected", "media", m.ID, "creator", m.OwnerHandle, "reason", d.Reason)
	case Errored:
		r.report.Errored++
		logger.Warn("candidate skipped", "media", m.ID, "creator", m.OwnerHandle, "reason", d.Reason, "error", d.Err)
	}
}

// evaluate runs the filter chain, cheapest checks first, stopping at the
// first rejection.
func (p *Pipeline) evaluate(ctx context.Context, r *run, m social.Media, seen map[string]bool) (storage.DiscoveredMedia, Decision) {
	if !m.Kind.IsVideo() {
		return storage.DiscoveredMedia{}, reject(ReasonNotVideo)
	}

	if seen[m.ID] {
		return storage.DiscoveredMedia{}, reject(ReasonDuplicate)
	}
	exists, err := p.store.MediaExists(ctx, m.ID)
	if err != nil {
		return storage.DiscoveredMedia{}, errored(ReasonDedupLookup, err)
	}
	if exists {
		return storage.DiscoveredMedia{}, reject(ReasonDuplicate)
	}

	info := p.creator(ctx, r, m.OwnerHandle)
	if info.decision.Outcome != Admitted {
		return storage.DiscoveredMedia{}, info.decision
	}

	return p.candidate(m, info), admit()
}

// creator looks up and filters a creator once per run.
func (p *Pipeline) creator(ctx context.Context, r *run, handle string) *creatorInfo {
	if info, ok := r.creators[handle]; ok {
		return info
	}
	info := &creatorInfo{}
	info.decision = p.checkCreator(ctx, r.params, handle, info)
	// Transient lookup failures are retried for the creator's next media.
	if info.decision.Outcome != Errored {
		r.creators[handle] = info
	}
	return info
}

func (p *Pipeline) checkCreator(ctx context.Context, params Params, handle string, info *creatorInfo) Decision {
	profile, err := p.client.GetUser(ctx, handle)
	if err != nil {
		if errors.Is(err, social.ErrNotFound) {
			return errored(ReasonCreatorMissing, err)
		}
		return errored(ReasonCreatorLookup, err)
	}
	if profile.Handle == "" {
		profile.Handle = handle
	}
	info.profile = profile

	if profile.IsPrivate {
		return reject(ReasonPrivate)
	}
	if profile.FollowerCount < int64(params.MinFollowers) {
		return reject(ReasonFollowers)
	}

	recent, err := p.client.RecentMedia(ctx, profile.ID, EngagementWindow)
	if err != nil {
		return errored(ReasonMediaLookup, fmt.Errorf("recent media of %s: %w", handle, err))
	}
	info.engagement = Engagement(profile.FollowerCount, recent)
	if info.engagement < params.MinEngagement {
		return reject(ReasonEngagement)
	}
	return admit()
}

func (p *Pipeline) candidate(m social.Media, info *creatorInfo) storage.DiscoveredMedia {
	prof := info.profile
	return storage.DiscoveredMedia{
		Creator: storage.Creator{
			AccountID:      prof.ID,
			Handle:         prof.Handle,
			DisplayName:    prof.FullName,
			FollowerCount:  prof.FollowerCount,
			FollowingCount: prof.FollowingCount,
			MediaCount:     prof.MediaCount,
			AvgEngagement:  info.engagement,
			IsPrivate:      prof.IsPrivate,
		},
		Media: storage.MediaItem{
			PlatformMediaID: m.ID,
			Code:            m.Code,
			Kind:            string(m.Kind),
			Caption:         m.Caption,
			LikeCount:       m.LikeCount,
			CommentCount:    m.CommentCount,
			ViewCount:       m.ViewCount,
			Hashtags:        ExtractHashtags(m.Caption),
			Mentions:        ExtractMentions(m.Caption, m.UserTags),
			Status:          storage.StatusPendingApproval,
			DiscoveredAt:    p.now().UTC(),
		},
	}
}
