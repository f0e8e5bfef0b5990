package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout  = 60 * time.Second
	transferTimeout = 300 * time.Second
	maxRetries      = 3
	initialBackoff  = 500 * time.Millisecond
)

// Gateway talks to an instagrapi-rest style HTTP sidecar that holds the
// platform session. Form-encoded requests in, JSON out.
type Gateway struct {
	baseURL     string
	httpClient  *http.Client
	sessionPath string
	backoff     time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	username  string
	sessionID string
}

// NewGateway creates a gateway client. When sessionPath is non-empty a
// previously saved session is loaded from it and new sessions are saved to it.
func NewGateway(baseURL, sessionPath string) *Gateway {
	g := &Gateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		sessionPath: sessionPath,
		backoff:     initialBackoff,
		logger:      slog.Default().With("component", "social"),
	}
	g.loadSession()
	return g
}

type savedSession struct {
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
}

func (g *Gateway) loadSession() {
	if g.sessionPath == "" {
		return
	}
	data, err := os.ReadFile(g.sessionPath)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("could not read session file", "path", g.sessionPath, "error", err)
		}
		return
	}
	var s savedSession
	if err := json.Unmarshal(data, &s); err != nil {
		g.logger.Warn("could not parse session file", "path", g.sessionPath, "error", err)
		return
	}
	g.username, g.sessionID = s.Username, s.SessionID
	g.logger.Info("session loaded", "path", g.sessionPath, "username", s.Username)
}

func (g *Gateway) saveSession(s savedSession) error {
	if g.sessionPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.sessionPath), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.sessionPath, data, 0o600)
}

func (g *Gateway) session() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

// Authenticated reports whether the gateway holds a session id.
func (g *Gateway) Authenticated() bool {
	return g.session() != ""
}

// Login establishes a session for creds. A saved session for the same
// username is reused when the sidecar still accepts it.
func (g *Gateway) Login(ctx context.Context, creds Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("%w: username and password are required", ErrAuth)
	}

	g.mu.Lock()
	reuse := g.sessionID != "" && g.username == creds.Username
	g.mu.Unlock()

	if reuse {
		_, err := g.GetUser(ctx, creds.Username)
		if err == nil {
			g.logger.Info("reconnected using saved session", "username", creds.Username)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Info("saved session expired, logging in again", "username", creds.Username)
	}

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	var sessionID string
	if err := g.postForm(ctx, "/auth/login", form, &sessionID); err != nil {
		return fmt.Errorf("logging in as %s: %w", creds.Username, err)
	}
	if sessionID == "" {
		return fmt.Errorf("%w: login returned an empty session", ErrAuth)
	}

	g.mu.Lock()
	g.username, g.sessionID = creds.Username, sessionID
	g.mu.Unlock()

	if err := g.saveSession(savedSession{Username: creds.Username, SessionID: sessionID}); err != nil {
		g.logger.Warn("could not save session", "path", g.sessionPath, "error", err)
	}
	g.logger.Info("logged in", "username", creds.Username)
	return nil
}

// GetUser returns the public profile for handle.
func (g *Gateway) GetUser(ctx context.Context, handle string) (Profile, error) {
	form, err := g.authedForm()
	if err != nil {
		return Profile{}, err
	}
	form.Set("username", handle)

	var u wireUser
	if err := g.postForm(ctx, "/user/info_by_username", form, &u); err != nil {
		return Profile{}, fmt.Errorf("fetching user %s: %w", handle, err)
	}
	if u.PK == "" {
		return Profile{}, fmt.Errorf("fetching user %s: %w", handle, ErrNotFound)
	}
	return u.profile(), nil
}

// RecentMedia returns up to n of the user's latest media.
func (g *Gateway) RecentMedia(ctx context.Context, userID string, n int) ([]Media, error) {
	form, err := g.authedForm()
	if err != nil {
		return nil, err
	}
	form.Set("user_id", userID)
	form.Set("amount", strconv.Itoa(n))
	return g.mediaList(ctx, "/media/user_medias", form)
}

// SearchByTag returns the most recent media posted under tag.
func (g *Gateway) SearchByTag(ctx context.Context, tag string, limit int) ([]Media, error) {
	form, err := g.authedForm()
	if err != nil {
		return nil, err
	}
	form.Set("name", strings.TrimPrefix(tag, "#"))
	form.Set("amount", strconv.Itoa(limit))
	return g.mediaList(ctx, "/hashtag/medias/recent", form)
}

// SearchByLocation returns the most recent media tagged with location.
// location may be a numeric location id or a place name.
func (g *Gateway) SearchByLocation(ctx context.Context, location string, limit int) ([]Media, error) {
	form, err := g.authedForm()
	if err != nil {
		return nil, err
	}
	if _, err := strconv.ParseInt(location, 10, 64); err == nil {
		form.Set("location_pk", location)
	} else {
		form.Set("name", location)
	}
	form.Set("amount", strconv.Itoa(limit))
	return g.mediaList(ctx, "/location/medias/recent", form)
}

func (g *Gateway) mediaList(ctx context.Context, path string, form url.Values) ([]Media, error) {
	var items []wireMedia
	if err := g.postForm(ctx, path, form, &items); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]Media, 0, len(items))
	for _, m := range items {
		out = append(out, m.media())
	}
	return out, nil
}

// Download streams the video for mediaID into dest. The file is written to a
// temporary name and renamed into place once complete.
func (g *Gateway) Download(ctx context.Context, mediaID, dest string) error {
	form, err := g.authedForm()
	if err != nil {
		return err
	}
	form.Set("media_pk", mediaID)
	form.Set("returnFile", "true")

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}

	resp, cancel, err := g.do(ctx, "/video/download", transferTimeout, formBody(form))
	if err != nil {
		return fmt.Errorf("downloading %s: %w", mediaID, err)
	}
	defer cancel()
	defer resp.Body.Close()

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("downloading %s: %w", mediaID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// PublishStory uploads the video at path as a story with caption.
func (g *Gateway) PublishStory(ctx context.Context, path, caption string) (PostID, error) {
	sessionID := g.session()
	if sessionID == "" {
		return "", ErrAuth
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("story file: %w", err)
	}

	build := func() (io.Reader, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", err
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			err := writeStoryForm(mw, f, filepath.Base(path), sessionID, caption)
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}

	resp, cancel, err := g.do(ctx, "/video/upload_to_story", transferTimeout, build)
	if err != nil {
		return "", fmt.Errorf("uploading story: %w", err)
	}
	defer cancel()
	defer resp.Body.Close()

	var story wireStory
	if err := json.NewDecoder(resp.Body).Decode(&story); err != nil {
		return "", fmt.Errorf("decoding story response: %w", err)
	}
	if story.PK == "" {
		return "", fmt.Errorf("story response has no id")
	}
	return PostID(story.PK), nil
}

func writeStoryForm(mw *multipart.Writer, r io.Reader, name, sessionID, caption string) error {
	if err := mw.WriteField("sessionid", sessionID); err != nil {
		return err
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

func (g *Gateway) authedForm() (url.Values, error) {
	sessionID := g.session()
	if sessionID == "" {
		return nil, ErrAuth
	}
	form := url.Values{}
	form.Set("sessionid", sessionID)
	return form, nil
}

// bodyFunc builds a fresh request body for every attempt.
type bodyFunc func() (body io.Reader, contentType string, err error)

func formBody(form url.Values) bodyFunc {
	encoded := form.Encode()
	return func() (io.Reader, string, error) {
		return strings.NewReader(encoded), "application/x-www-form-urlencoded", nil
	}
}

func (g *Gateway) postForm(ctx context.Context, path string, form url.Values, out any) error {
	resp, cancel, err := g.do(ctx, path, defaultTimeout, formBody(form))
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// do POSTs to path, retrying rate-limited responses with exponential
// backoff. On success the caller must close the body and call cancel.
func (g *Gateway) do(ctx context.Context, path string, timeout time.Duration, build bodyFunc) (*http.Response, context.CancelFunc, error) {
	var lastErr error
	for attempt := range maxRetries {
		resp, cancel, err := g.doOnce(ctx, path, timeout, build)
		if err == nil {
			return resp, cancel, nil
		}

		if !isRateLimit(err) {
			return nil, nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(g.backoff) * math.Pow(2, float64(attempt)))
			g.logger.Warn("rate limited, backing off", "path", path, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (g *Gateway) doOnce(ctx context.Context, path string, timeout time.Duration, build bodyFunc) (*http.Response, context.CancelFunc, error) {
	body, contentType, err := build()
	if err != nil {
		return nil, nil, fmt.Errorf("building request body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		resp.Body.Close()
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// rateLimitError is returned on HTTP 429 or a platform throttle response.
type rateLimitError struct {
	status int
	detail string
}

func (e *rateLimitError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("rate limited (HTTP %d): %s", e.status, e.detail)
	}
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// Exception names reported by the sidecar in exc_type.
var (
	authExceptions = map[string]bool{
		"LoginRequired":          true,
		"BadPassword":            true,
		"BadCredentials":         true,
		"ChallengeRequired":      true,
		"TwoFactorRequired":      true,
		"ReloginAttemptExceeded": true,
	}
	notFoundExceptions = map[string]bool{
		"UserNotFound":     true,
		"MediaNotFound":    true,
		"HashtagNotFound":  true,
		"LocationNotFound": true,
	}
	throttleExceptions = map[string]bool{
		"PleaseWaitFewMinutes": true,
		"RateLimitError":       true,
	}
)

type wireError struct {
	Detail  string `json:"detail"`
	ExcType string `json:"exc_type"`
}

func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var we wireError
	_ = json.Unmarshal(respBody, &we)
	detail := we.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(respBody))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || throttleExceptions[we.ExcType]:
		return &rateLimitError{status: resp.StatusCode, detail: detail}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || authExceptions[we.ExcType]:
		return fmt.Errorf("%w: %s", ErrAuth, detail)
	case resp.StatusCode == http.StatusNotFound || notFoundExceptions[we.ExcType]:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detail)
}
