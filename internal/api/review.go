package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kalambet/curator/internal/discovery"
	"github.com/kalambet/curator/internal/metrics"
	"github.com/kalambet/curator/internal/settings"
	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
)

// Lifecycle is the subset of lifecycle.Manager the API drives.
type Lifecycle interface {
	Approve(ctx context.Context, id int64) (social.PostID, error)
	Retry(ctx context.Context, id int64) (social.PostID, error)
	Reject(ctx context.Context, id int64) (storage.MediaItem, error)
	Budget(ctx context.Context) (used, limit int, err error)
	ResetDailyCounter(ctx context.Context) error
}

// Scheduler queues discovery runs.
type Scheduler interface {
	Trigger() bool
}

// Reporter exposes the last discovery run.
type Reporter interface {
	LastReport() *discovery.RunReport
}

type AppDeps struct {
	Store     *storage.Store
	Lifecycle Lifecycle
	Settings  *settings.Manager
	Scheduler Scheduler // optional; if nil, POST /discover returns 503
	Reporter  Reporter  // optional
	Token     string
}

// Stats is the body of GET /stats.
type Stats struct {
	Media   map[storage.MediaStatus]int `json:"media"`
	Budget  Budget                      `json:"budget"`
	LastRun *discovery.RunReport        `json:"last_run,omitempty"`
}

type Budget struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// NewAppHandler returns the review API. /health and /metrics are public;
// every other route requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/media", handleListMedia(deps))
		r.Get("/media/{id}", handleGetMedia(deps))
		r.Post("/media/{id}/approve", handleApprove(deps))
		r.Post("/media/{id}/retry", handleRetry(deps))
		r.Post("/media/{id}/reject", handleReject(deps))

		r.Get("/creators", handleListCreators(deps))
		r.Get("/creators/export", handleExportCreators(deps))
		r.Patch("/creators/{id}", handlePatchCreator(deps))

		r.Get("/stats", handleStats(deps))
		r.Get("/post-logs", handleListPostLogs(deps))
		r.Post("/discover", handleDiscover(deps))
		r.Post("/counter/reset", handleResetCounter(deps))

		r.Get("/settings", handleGetSettings(deps))
		r.Patch("/settings", handlePatchSettings(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f storage.MediaFilter
		if s := r.URL.Query().Get("status"); s != "" {
			status, err := storage.ParseMediaStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			f.Status = status
		}
		f.Limit = parseIntParam(r, "limit", 50, 200)
		f.Offset = parseIntParam(r, "offset", 0, 0)

		items, err := deps.Store.ListMedia(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list media: %v", err)
			return
		}
		if items == nil {
			items = []storage.MediaItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		item, err := deps.Store.GetMedia(r.Context(), id)
		if err != nil {
			writeDomainError(w, "media", err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

type publishResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	PostID string `json:"post_id"`
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return publishHandler(deps, deps.Lifecycle.Approve)
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return publishHandler(deps, deps.Lifecycle.Retry)
}

func publishHandler(deps AppDeps, publish func(ctx context.Context, id int64) (social.PostID, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		postID, err := publish(r.Context(), id)
		if err != nil {
			writeDomainError(w, "media", err)
			return
		}
		writeJSON(w, http.StatusOK, publishResponse{ID: id, Status: string(storage.StatusPublished), PostID: string(postID)})
	}
}

func handleReject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		item, err := deps.Lifecycle.Reject(r.Context(), id)
		if err != nil {
			writeDomainError(w, "media", err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func parseCreatorStatus(w http.ResponseWriter, s string) (storage.CreatorStatus, bool) {
	status := storage.CreatorStatus(s)
	if s != "" && !status.Valid() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown creator status %q", s)
		return "", false
	}
	return status, true
}

func handleListCreators(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, ok := parseCreatorStatus(w, r.URL.Query().Get("status"))
		if !ok {
			return
		}
		creators, err := deps.Store.ListCreators(r.Context(), status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list creators: %v", err)
			return
		}
		if creators == nil {
			creators = []storage.Creator{}
		}
		writeJSON(w, http.StatusOK, creators)
	}
}

func handleExportCreators(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, ok := parseCreatorStatus(w, r.URL.Query().Get("status"))
		if !ok {
			return
		}
		creators, err := deps.Store.ListCreators(r.Context(), status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list creators: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="creators.csv"`)
		cw := csv.NewWriter(w)
		cw.Write([]string{"handle", "display_name", "followers", "engagement", "status", "notes"})
		for _, c := range creators {
			cw.Write([]string{
				c.Handle,
				c.DisplayName,
				strconv.FormatInt(c.FollowerCount, 10),
				strconv.FormatFloat(c.AvgEngagement, 'f', 2, 64),
				string(c.Status),
				c.Notes,
			})
		}
		cw.Flush()
	}
}

type patchCreatorRequest struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

func handlePatchCreator(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req patchCreatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Status == nil && req.Notes == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status or notes is required")
			return
		}

		ctx := r.Context()
		if req.Status != nil {
			status, ok := parseCreatorStatus(w, *req.Status)
			if !ok {
				return
			}
			if status == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "status must not be empty")
				return
			}
			if err := deps.Store.SetCreatorStatus(ctx, id, status); err != nil {
				writeDomainError(w, "creator", err)
				return
			}
		}
		if req.Notes != nil {
			if err := deps.Store.SetCreatorNotes(ctx, id, *req.Notes); err != nil {
				writeDomainError(w, "creator", err)
				return
			}
		}

		c, err := deps.Store.GetCreator(ctx, id)
		if err != nil {
			writeDomainError(w, "creator", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountMediaByStatus(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count media: %v", err)
			return
		}
		used, limit, err := deps.Lifecycle.Budget(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read budget: %v", err)
			return
		}
		stats := Stats{Media: counts, Budget: Budget{Used: used, Limit: limit}}
		if deps.Reporter != nil {
			stats.LastRun = deps.Reporter.LastReport()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleListPostLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mediaID int64
		if s := r.URL.Query().Get("media_id"); s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil || id <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid media_id %q", s)
				return
			}
			mediaID = id
		}
		limit := parseIntParam(r, "limit", 50, 500)

		logs, err := deps.Store.ListPostLogs(r.Context(), mediaID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list post logs: %v", err)
			return
		}
		if logs == nil {
			logs = []storage.PostLog{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func handleDiscover(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Scheduler == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "discovery worker is not running")
			return
		}
		status := "queued"
		if !deps.Scheduler.Trigger() {
			status = "already_queued"
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
	}
}

func handleResetCounter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Lifecycle.ResetDailyCounter(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset counter: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleGetSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handlePatchSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		values := make(map[string]string, len(fields))
		for key, v := range fields {
			s, err := settingString(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", key, err)
				return
			}
			values[key] = s
		}
		if err := deps.Settings.Update(r.Context(), values); err != nil {
			writeDomainError(w, "settings", err)
			return
		}

		s, err := deps.Settings.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// settingString flattens a JSON value into the string form settings accept.
func settingString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return "", fmt.Errorf("list elements must be strings")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("unsupported value %v", v)
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid id %q", raw)
		return 0, false
	}
	return id, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
