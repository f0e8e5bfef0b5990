package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/curator/internal/api"
	"github.com/kalambet/curator/internal/config"
	"github.com/kalambet/curator/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func withNoColor(t *testing.T) {
	t.Helper()
	old := noColor
	noColor = true
	t.Cleanup(func() { noColor = old })
}

func TestTriggerDiscovery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /discover": `{"status":"queued"}`,
	})

	status, err := triggerDiscovery(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != "queued" {
		t.Errorf("status = %q, want queued", status)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/discover" {
		t.Errorf("request = %s %s, want POST /discover", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Body != "" {
		t.Errorf("body = %q, want empty", r.Body)
	}
}

func TestListMedia(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /media": `[{"id":7,"creator_handle":"vegaseats","status":"pending_approval","like_count":120,"caption":"Best tacos\non the strip"}]`,
	})

	var out bytes.Buffer
	if err := listMedia(ctx, ts.client(), &out, "pending_approval", 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ts.requests[0].Path; got != "/media?limit=20&status=pending_approval" {
		t.Errorf("path = %q", got)
	}
	line := out.String()
	for _, want := range []string{"7", "pending_approval", "@vegaseats", "120 likes", "Best tacos on the strip"} {
		if !strings.Contains(line, want) {
			t.Errorf("output %q missing %q", line, want)
		}
	}
}

func TestListMedia_AllStatuses(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /media": `[]`,
	})

	var out bytes.Buffer
	if err := listMedia(ctx, ts.client(), &out, "", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Path; got != "/media?limit=5" {
		t.Errorf("path = %q, want no status filter", got)
	}
	if !strings.Contains(out.String(), "No media found.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShowMedia_WithPostLogs(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /media/3":   `{"id":3,"code":"Cabc","creator_handle":"vegaseats","status":"failed","error_message":"publish: upload rejected"}`,
		"GET /post-logs": `[{"id":"l2","media_id":3,"success":false,"error_message":"publish: upload rejected","posted_at":"2026-03-14T18:30:00Z"},{"id":"l1","media_id":3,"success":true,"post_id":"story-1","posted_at":"2026-03-13T10:00:00Z"}]`,
	})

	var out bytes.Buffer
	if err := showMedia(ctx, ts.client(), &out, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if got := ts.requests[1].Path; got != "/post-logs?media_id=3&limit=20" {
		t.Errorf("post-logs path = %q", got)
	}
	s := out.String()
	for _, want := range []string{`"code": "Cabc"`, "Publish attempts", "failed  publish: upload rejected", "ok  story-1"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestPublishAction(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /media/12/approve": `{"id":12,"status":"published","post_id":"story-12"}`,
		"POST /media/12/retry":   `{"id":12,"status":"published","post_id":"story-13"}`,
	})

	for action, want := range map[string]string{"approve": "story-12", "retry": "story-13"} {
		result, err := publishAction(ctx, ts.client(), action, 12)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", action, err)
		}
		if result.PostID != want || result.Status != "published" {
			t.Errorf("%s: result = %+v", action, result)
		}
	}
}

func TestPublishAction_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"daily action limit reached","type":"rate_limit_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	_, err := publishAction(ctx, client, "approve", 1)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if got := err.Error(); got != "server returned 429: daily action limit reached" {
		t.Errorf("error = %q", got)
	}
}

func TestListCreators(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /creators": `[{"id":1,"handle":"vegaseats","follower_count":52000,"avg_engagement":4.25,"status":"approved"}]`,
	})

	var out bytes.Buffer
	if err := listCreators(ctx, ts.client(), &out, "approved"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Path; got != "/creators?status=approved" {
		t.Errorf("path = %q", got)
	}
	for _, want := range []string{"@vegaseats", "52000 followers", "4.25%", "approved"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}
}

func TestSetCreatorStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /creators/4": `{"id":4,"handle":"strip_bites","status":"blocked","notes":"reposts only"}`,
	})

	c, err := setCreatorStatus(ctx, ts.client(), 4, storage.CreatorBlocked, "reposts only")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != storage.CreatorBlocked || c.Handle != "strip_bites" {
		t.Errorf("creator = %+v", c)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["status"] != "blocked" || body["notes"] != "reposts only" {
		t.Errorf("body = %v", body)
	}
}

func TestSetCreatorStatus_OmitsEmptyNotes(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /creators/4": `{"id":4,"handle":"strip_bites","status":"approved"}`,
	})

	if _, err := setCreatorStatus(ctx, ts.client(), 4, storage.CreatorApproved, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(ts.requests[0].Body, "notes") {
		t.Errorf("body = %s, want no notes field", ts.requests[0].Body)
	}
}

func TestExportCreators(t *testing.T) {
	csv := "handle,display_name,followers,engagement,status,notes\nvegaseats,Vegas Eats,52000,4.25,approved,\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/creators/export" || r.URL.Query().Get("status") != "approved" {
			w.WriteHeader(404)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(csv))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	var out bytes.Buffer
	if err := exportCreators(ctx, client, &out, "approved"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != csv {
		t.Errorf("output = %q, want the CSV body unchanged", out.String())
	}
}

func TestExportCreators_Error(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	var out bytes.Buffer
	err := exportCreators(ctx, ts.client(), &out, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain 404", err.Error())
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing written on error", out.String())
	}
}

func TestFetchStats(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"media":{"pending_approval":4,"published":9},"budget":{"used":9,"limit":50},"last_run":{"run_id":"r1","created":4,"admitted":5}}`,
	})

	stats, err := fetchStats(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Media[storage.StatusPendingApproval] != 4 || stats.Budget.Limit != 50 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastRun == nil || stats.LastRun.Created != 4 {
		t.Errorf("last run = %+v", stats.LastRun)
	}
}

func TestMediaCounts(t *testing.T) {
	counts := map[storage.MediaStatus]int{
		storage.StatusRejected:        1,
		storage.StatusPublished:       9,
		storage.StatusPendingApproval: 4,
		storage.StatusFailed:          0,
	}
	if got, want := mediaCounts(counts), "pending_approval=4 published=9 rejected=1"; got != want {
		t.Errorf("mediaCounts = %q, want %q", got, want)
	}
	if got := mediaCounts(nil); got != "none" {
		t.Errorf("mediaCounts(nil) = %q, want none", got)
	}
}

func TestBudgetLabel(t *testing.T) {
	tests := []struct {
		budget api.Budget
		want   string
	}{
		{api.Budget{Used: 3, Limit: 50}, "3/50 used today"},
		{api.Budget{Used: 50, Limit: 50}, "50/50 used today (limit reached)"},
		{api.Budget{Used: 0, Limit: 0}, "0/0 used today (limit reached)"},
	}
	for _, tt := range tests {
		if got := budgetLabel(tt.budget); got != tt.want {
			t.Errorf("budgetLabel(%+v) = %q, want %q", tt.budget, got, tt.want)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("42"); err != nil || id != 42 {
		t.Errorf("parseID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc", "1.5"} {
		if _, err := parseID(bad); err == nil {
			t.Errorf("parseID(%q) = nil error, want error", bad)
		}
	}
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"hunter2\n", "hunter2", false},
		{"hunter2\r\n", "hunter2", false},
		{"no-newline", "no-newline", false},
		{"first\nsecond\n", "first", false},
		{"\n", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := readPassword(strings.NewReader(tt.input))
		if (err != nil) != tt.wantErr {
			t.Errorf("readPassword(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("readPassword(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewLogger_DefaultsToTextInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "verbose"})

	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug enabled for unknown level, want info")
	}
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("output = %q, want text handler format", buf.String())
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_RawErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("bad gateway"))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if err.Error() != "server returned 502: bad gateway" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAPIClient_ServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := &apiClient{baseURL: url, token: "t", httpClient: http.DefaultClient}
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusLabel(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = false

	tests := map[string]string{
		"published":        colorGreen,
		"blocked":          colorRed,
		"pending_approval": colorYellow,
		"processing":       colorCyan,
	}
	for status, color := range tests {
		if got := statusLabel(status); got != color+status+colorReset {
			t.Errorf("statusLabel(%q) = %q", status, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("🌮🌮🌮🌮", 2); got != "🌮🌮..." {
		t.Errorf("truncate(runes) = %q, want rune-safe cut", got)
	}
}

func TestMissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"media", "approve"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error for media approve without an id")
	}
}
