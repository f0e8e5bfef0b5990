package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, h http.Handler) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g := NewGateway(srv.URL, filepath.Join(t.TempDir(), "session.json"))
	g.backoff = time.Millisecond
	return g, srv
}

func loggedIn(t *testing.T, g *Gateway) {
	t.Helper()
	g.mu.Lock()
	g.username, g.sessionID = "curatorbot", "sess-1"
	g.mu.Unlock()
}

func TestLogin_SavesSession(t *testing.T) {
	var gotUser, gotPass string
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotUser, gotPass = r.FormValue("username"), r.FormValue("password")
		fmt.Fprint(w, `"sess-abc"`)
	}))

	if g.Authenticated() {
		t.Fatal("Authenticated() = true before login")
	}
	if err := g.Login(context.Background(), Credentials{Username: "curatorbot", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if gotUser != "curatorbot" || gotPass != "pw" {
		t.Errorf("form = %q/%q", gotUser, gotPass)
	}
	if !g.Authenticated() {
		t.Error("Authenticated() = false after login")
	}

	data, err := os.ReadFile(g.sessionPath)
	if err != nil {
		t.Fatalf("session file: %v", err)
	}
	var s savedSession
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("parsing session file: %v", err)
	}
	if s.SessionID != "sess-abc" || s.Username != "curatorbot" {
		t.Errorf("saved session = %+v", s)
	}

	reloaded := NewGateway(g.baseURL, g.sessionPath)
	if !reloaded.Authenticated() {
		t.Error("reloaded gateway has no session")
	}
}

func TestLogin_ReusesValidSession(t *testing.T) {
	var logins atomic.Int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			logins.Add(1)
			fmt.Fprint(w, `"sess-new"`)
		case "/user/info_by_username":
			if r.FormValue("sessionid") != "sess-1" {
				t.Errorf("sessionid = %q", r.FormValue("sessionid"))
			}
			fmt.Fprint(w, `{"pk": "42", "username": "curatorbot"}`)
		}
	}))
	loggedIn(t, g)

	if err := g.Login(context.Background(), Credentials{Username: "curatorbot", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if logins.Load() != 0 {
		t.Errorf("login endpoint called %d times, want 0", logins.Load())
	}
}

func TestLogin_BadPasswordIsAuthError(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail": "The password you entered is incorrect.", "exc_type": "BadPassword"}`)
	}))

	err := g.Login(context.Background(), Credentials{Username: "curatorbot", Password: "wrong"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if g.Authenticated() {
		t.Error("Authenticated() = true after failed login")
	}
}

func TestRequiresSession(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without a session")
	}))

	if _, err := g.SearchByTag(context.Background(), "vegasfood", 5); !errors.Is(err, ErrAuth) {
		t.Errorf("SearchByTag error = %v, want ErrAuth", err)
	}
	if _, err := g.PublishStory(context.Background(), "/nope.mp4", "hi"); !errors.Is(err, ErrAuth) {
		t.Errorf("PublishStory error = %v, want ErrAuth", err)
	}
}

func TestGetUser(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"detail": "User not found", "exc_type": "UserNotFound"}`)
			return
		}
		fmt.Fprint(w, `{"pk": 1234567, "username": "vegaseats", "full_name": "Vegas Eats",
			"is_private": false, "follower_count": 5400, "following_count": 300, "media_count": 812}`)
	}))
	loggedIn(t, g)

	p, err := g.GetUser(context.Background(), "vegaseats")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if p.ID != "1234567" {
		t.Errorf("ID = %q, want numeric pk as string", p.ID)
	}
	if p.FollowerCount != 5400 || p.MediaCount != 812 || p.FullName != "Vegas Eats" {
		t.Errorf("profile = %+v", p)
	}

	if _, err := g.GetUser(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestSearchByTag_MapsMedia(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hashtag/medias/recent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.FormValue("name") != "vegasfood" || r.FormValue("amount") != "20" {
			t.Errorf("form = %v", r.Form)
		}
		fmt.Fprint(w, `[
			{"pk": "111", "code": "Cabc", "media_type": 2, "product_type": "clips",
			 "taken_at": "2025-02-01T18:30:00+00:00", "caption_text": "Best tacos #vegasfood",
			 "like_count": 120, "comment_count": 9, "play_count": 4000,
			 "user": {"pk": "42", "username": "vegaseats"},
			 "usertags": [{"user": {"username": "tacoplace"}}]},
			{"pk": "112", "code": "Cdef", "media_type": 1, "user": {"pk": "43", "username": "other"}},
			{"pk": "113", "code": "Cghi", "media_type": 8, "caption_text": null, "user": {"pk": 44, "username": "third"}}
		]`)
	}))
	loggedIn(t, g)

	items, err := g.SearchByTag(context.Background(), "#vegasfood", 20)
	if err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	first := items[0]
	if first.Kind != KindReel || !first.Kind.IsVideo() {
		t.Errorf("Kind = %q, want reel", first.Kind)
	}
	if first.ViewCount != 4000 {
		t.Errorf("ViewCount = %d, want play count fallback 4000", first.ViewCount)
	}
	if first.OwnerHandle != "vegaseats" || first.OwnerID != "42" {
		t.Errorf("owner = %s/%s", first.OwnerID, first.OwnerHandle)
	}
	if len(first.UserTags) != 1 || first.UserTags[0] != "tacoplace" {
		t.Errorf("UserTags = %v", first.UserTags)
	}
	if !first.TakenAt.Equal(time.Date(2025, 2, 1, 18, 30, 0, 0, time.UTC)) {
		t.Errorf("TakenAt = %v", first.TakenAt)
	}
	if items[1].Kind != KindPhoto || items[2].Kind != KindAlbum {
		t.Errorf("kinds = %s, %s", items[1].Kind, items[2].Kind)
	}
	if items[2].OwnerID != "44" {
		t.Errorf("numeric owner pk = %q", items[2].OwnerID)
	}
}

func TestSearchByLocation_NumericAndNamed(t *testing.T) {
	var forms []string
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		forms = append(forms, r.PostForm.Get("location_pk")+"|"+r.PostForm.Get("name"))
		fmt.Fprint(w, `[]`)
	}))
	loggedIn(t, g)

	if _, err := g.SearchByLocation(context.Background(), "212988663", 5); err != nil {
		t.Fatalf("SearchByLocation: %v", err)
	}
	if _, err := g.SearchByLocation(context.Background(), "Bellagio", 5); err != nil {
		t.Fatalf("SearchByLocation: %v", err)
	}
	if forms[0] != "212988663|" || forms[1] != "|Bellagio" {
		t.Errorf("forms = %v", forms)
	}
}

// TestRetryOn429 verifies the gateway retries rate-limited requests.
func TestRetryOn429(t *testing.T) {
	var calls atomic.Int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	loggedIn(t, g)

	if _, err := g.SearchByTag(context.Background(), "vegasfood", 5); err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"detail": "Please wait a few minutes", "exc_type": "PleaseWaitFewMinutes"}`)
	}))
	loggedIn(t, g)

	_, err := g.SearchByTag(context.Background(), "vegasfood", 5)
	if err == nil || !isRateLimit(err) {
		t.Fatalf("error = %v, want rate limit error", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries)
	}
}

func TestExpiredSessionIsAuthError(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	loggedIn(t, g)

	if _, err := g.RecentMedia(context.Background(), "42", 10); !errors.Is(err, ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}
}

func TestDownload_WritesFile(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("media_pk") != "111" {
			t.Errorf("media_pk = %q", r.FormValue("media_pk"))
		}
		w.Header().Set("Content-Type", "video/mp4")
		fmt.Fprint(w, "fake-mp4-bytes")
	}))
	loggedIn(t, g)

	dest := filepath.Join(t.TempDir(), "downloads", "Cabc.mp4")
	if err := g.Download(context.Background(), "111", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if string(data) != "fake-mp4-bytes" {
		t.Errorf("content = %q", data)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestPublishStory_Multipart(t *testing.T) {
	var gotCaption, gotSession, gotFile, gotName string
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotCaption = r.FormValue("caption")
		gotSession = r.FormValue("sessionid")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotFile, gotName = string(b), hdr.Filename
		fmt.Fprint(w, `{"pk": 98765, "code": "S1"}`)
	}))
	loggedIn(t, g)

	path := filepath.Join(t.TempDir(), "story_Cabc.mp4")
	if err := os.WriteFile(path, []byte("rendered"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := g.PublishStory(context.Background(), path, "📸 Credit: @vegaseats")
	if err != nil {
		t.Fatalf("PublishStory: %v", err)
	}
	if id != "98765" {
		t.Errorf("PostID = %q, want 98765", id)
	}
	if gotCaption != "📸 Credit: @vegaseats" || gotSession != "sess-1" {
		t.Errorf("caption/session = %q/%q", gotCaption, gotSession)
	}
	if gotFile != "rendered" || gotName != "story_Cabc.mp4" {
		t.Errorf("file = %q (%s)", gotFile, gotName)
	}
}

func TestContextCancelledDuringBackoff(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	g.backoff = time.Hour
	loggedIn(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.SearchByTag(ctx, "vegasfood", 5)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}
