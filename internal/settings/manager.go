package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/curator/internal/config"
	"github.com/kalambet/curator/internal/discovery"
	"github.com/kalambet/curator/internal/storage"
)

var (
	// ErrUnknownKey is returned for a key that is not an editable setting.
	ErrUnknownKey = errors.New("unknown setting")
	// ErrInvalidValue is returned when a value does not parse for its key.
	ErrInvalidValue = errors.New("invalid setting value")
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)
	DeleteSetting(ctx context.Context, key string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached access to the runtime settings stored in SQLite,
// layered over the configured defaults.
type Manager struct {
	store    Store
	clock    Clock
	ttl      time.Duration
	defaults Settings
	base     discovery.Params
	logger   *slog.Logger

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 30-second cache TTL. base supplies
// the discovery parameters that are not editable at runtime.
func NewManager(store Store, defaults Settings, base discovery.Params) *Manager {
	return NewManagerWithClock(store, defaults, base, realClock{}, 30*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, defaults Settings, base discovery.Params, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:    store,
		clock:    clock,
		ttl:      ttl,
		defaults: defaults.clone(),
		base:     base,
		logger:   slog.Default().With("component", "settings"),
	}
}

// FromConfig derives the defaults and base parameters from cfg.
func FromConfig(cfg config.Config) (Settings, discovery.Params) {
	d := cfg.Discovery
	defaults := Settings{
		MinFollowers:  d.MinFollowers,
		MinEngagement: d.MinEngagement,
		DailyLimit:    cfg.Publish.DailyLimit,
		Hashtags:      slices.Clone(d.Hashtags),
	}
	base := discovery.Params{
		Tags:          slices.Clone(d.Hashtags),
		Locations:     slices.Clone(d.Locations),
		MinFollowers:  d.MinFollowers,
		MinEngagement: d.MinEngagement,
		MaxPerTag:     d.MaxPerTag,
	}
	return defaults, base
}

// Get returns the effective settings.
func (m *Manager) Get(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := m.cached.clone()
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return m.cached.clone(), nil
	}

	raw, err := m.store.GetAllSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	s := m.build(raw)
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return s.clone(), nil
}

// Params returns an immutable snapshot of the discovery parameters for one
// run.
func (m *Manager) Params(ctx context.Context) (discovery.Params, error) {
	s, err := m.Get(ctx)
	if err != nil {
		return discovery.Params{}, err
	}
	p := m.base
	p.Tags = s.Hashtags
	p.Locations = slices.Clone(m.base.Locations)
	p.MinFollowers = s.MinFollowers
	p.MinEngagement = s.MinEngagement
	return p, nil
}

// DailyLimit returns the effective daily action limit. When the settings
// cannot be read the configured default is used.
func (m *Manager) DailyLimit(ctx context.Context) int {
	s, err := m.Get(ctx)
	if err != nil {
		m.logger.Warn("reading daily limit failed, using default", "error", err)
		return m.defaults.DailyLimit
	}
	return s.DailyLimit
}

// Set validates and persists one setting, then invalidates the cache.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	return m.Update(ctx, map[string]string{key: value})
}

// Update validates every value before persisting any of them.
func (m *Manager) Update(ctx context.Context, values map[string]string) error {
	normalized := make(map[string]string, len(values))
	for key, value := range values {
		v, err := normalize(key, value)
		if err != nil {
			return err
		}
		normalized[key] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range Keys {
		v, ok := normalized[key]
		if !ok {
			continue
		}
		if err := m.store.SetSetting(ctx, key, v); err != nil {
			m.cached = nil
			return fmt.Errorf("setting %q: %w", key, err)
		}
		m.logger.Info("setting updated", "key", key, "value", v)
	}
	m.cached = nil
	return nil
}

// Reset removes the override for key so the configured default applies.
func (m *Manager) Reset(ctx context.Context, key string) error {
	if !slices.Contains(Keys, key) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteSetting(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("resetting %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// normalize parses value for key and returns its canonical stored form.
func normalize(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case KeyMinFollowers, KeyDailyLimit:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: %s must be a non-negative integer, got %q", ErrInvalidValue, key, value)
		}
		return strconv.Itoa(n), nil
	case KeyMinEngagement:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return "", fmt.Errorf("%w: %s must be a non-negative number, got %q", ErrInvalidValue, key, value)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case KeyHashtags:
		tags := config.SplitList(value)
		if len(tags) == 0 {
			return "", fmt.Errorf("%w: %s must name at least one hashtag", ErrInvalidValue, key)
		}
		return strings.Join(tags, ","), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// build layers stored overrides over the defaults. Malformed stored values
// are logged and ignored.
func (m *Manager) build(raw map[string]string) Settings {
	s := m.defaults.clone()
	for _, key := range Keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		norm, err := normalize(key, v)
		if err != nil {
			m.logger.Warn("malformed setting, using default", "key", key, "error", err)
			continue
		}
		switch key {
		case KeyMinFollowers:
			s.MinFollowers, _ = strconv.Atoi(norm)
		case KeyDailyLimit:
			s.DailyLimit, _ = strconv.Atoi(norm)
		case KeyMinEngagement:
			s.MinEngagement, _ = strconv.ParseFloat(norm, 64)
		case KeyHashtags:
			s.Hashtags = strings.Split(norm, ",")
		}
	}
	return s
}
