package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
)

// fakeClient serves canned platform data. Function fields override the
// canned behaviour when set.
type fakeClient struct {
	mu       sync.Mutex
	tags     map[string][]social.Media
	places   map[string][]social.Media
	users    map[string]social.Profile
	recent   map[string][]social.Media
	tagErr   map[string]error
	userErr  map[string]error
	getUsers int

	searchFn func(ctx context.Context, tag string, limit int) ([]social.Media, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		tags:    map[string][]social.Media{},
		places:  map[string][]social.Media{},
		users:   map[string]social.Profile{},
		recent:  map[string][]social.Media{},
		tagErr:  map[string]error{},
		userErr: map[string]error{},
	}
}

func (f *fakeClient) addCreator(handle string, followers int64, likes, comments int64, private bool) {
	id := "uid-" + handle
	f.users[handle] = social.Profile{ID: id, Handle: handle, FullName: "Name " + handle, FollowerCount: followers, IsPrivate: private}
	var recent []social.Media
	for i := 0; i < EngagementWindow; i++ {
		recent = append(recent, social.Media{LikeCount: likes, CommentCount: comments})
	}
	f.recent[id] = recent
}

func (f *fakeClient) addVideo(tag, id, owner string) {
	f.tags[tag] = append(f.tags[tag], social.Media{
		ID: id, Code: "c" + id, Kind: social.KindReel, OwnerHandle: owner,
		Caption: "So good #VegasFood #tacos with @" + owner, LikeCount: 10,
	})
}

func (f *fakeClient) GetUser(ctx context.Context, handle string) (social.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getUsers++
	if err := f.userErr[handle]; err != nil {
		return social.Profile{}, err
	}
	p, ok := f.users[handle]
	if !ok {
		return social.Profile{}, social.ErrNotFound
	}
	return p, nil
}

func (f *fakeClient) RecentMedia(ctx context.Context, userID string, n int) ([]social.Media, error) {
	r := f.recent[userID]
	if len(r) > n {
		r = r[:n]
	}
	return r, nil
}

func (f *fakeClient) SearchByTag(ctx context.Context, tag string, limit int) ([]social.Media, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, tag, limit)
	}
	if err := f.tagErr[tag]; err != nil {
		return nil, err
	}
	items := f.tags[tag]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeClient) SearchByLocation(ctx context.Context, location string, limit int) ([]social.Media, error) {
	return f.places[location], nil
}

func (f *fakeClient) Download(ctx context.Context, mediaID, dest string) error {
	return errors.New("not implemented")
}

func (f *fakeClient) PublishStory(ctx context.Context, path, caption string) (social.PostID, error) {
	return "", errors.New("not implemented")
}

func (f *fakeClient) Login(ctx context.Context, creds social.Credentials) error { return nil }
func (f *fakeClient) Authenticated() bool                                     { return true }

// failingStore wraps a real store and fails batches containing a media id.
type failingStore struct {
	*storage.Store
	failOn string
}

func (s *failingStore) SaveDiscoveryBatch(ctx context.Context, batch []storage.DiscoveredMedia) ([]storage.MediaItem, error) {
	for _, d := range batch {
		if d.Media.PlatformMediaID == s.failOn {
			return nil, errors.New("disk full")
		}
	}
	return s.Store.SaveDiscoveryBatch(ctx, batch)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(client social.Client, store Store) (*Pipeline, *[]time.Duration) {
	p := NewPipeline(client, store, 2*time.Second, 5*time.Second)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept
}

func defaultParams(tags ...string) Params {
	return Params{Tags: tags, MinFollowers: 1000, MinEngagement: 2.0, MaxPerTag: 20}
}

func platformIDs(items []storage.MediaItem) map[string]bool {
	ids := make(map[string]bool, len(items))
	for _, m := range items {
		ids[m.PlatformMediaID] = true
	}
	return ids
}

func TestDiscover_AdmitsQualifyingVideo(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false) // 4.4%
	client.addVideo("vegasfood", "m1", "vegaseats")

	store := openTestStore(t)
	p, slept := newTestPipeline(client, store)

	created, err := p.Discover(context.Background(), defaultParams("vegasfood"))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d items, want 1", len(created))
	}
	m := created[0]
	if m.Status != storage.StatusPendingApproval {
		t.Errorf("Status = %q, want pending_approval", m.Status)
	}
	if m.CreatorHandle != "vegaseats" {
		t.Errorf("CreatorHandle = %q", m.CreatorHandle)
	}
	if len(m.Hashtags) != 2 || m.Hashtags[0] != "vegasfood" || m.Hashtags[1] != "tacos" {
		t.Errorf("Hashtags = %v", m.Hashtags)
	}

	c, err := store.GetCreatorByHandle(context.Background(), "vegaseats")
	if err != nil {
		t.Fatalf("GetCreatorByHandle: %v", err)
	}
	if c.Status != storage.CreatorNew || c.AvgEngagement != 4.4 || c.AccountID != "uid-vegaseats" {
		t.Errorf("creator = %+v", c)
	}

	if len(*slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(*slept))
	}
	if d := (*slept)[0]; d < 2*time.Second || d > 5*time.Second {
		t.Errorf("delay %s outside [2s, 5s]", d)
	}
}

func TestDiscover_FilterChain(t *testing.T) {
	client := newFakeClient()
	client.addCreator("good", 5000, 200, 20, false)
	client.addCreator("private", 50000, 5000, 100, true)
	client.addCreator("small", 999, 500, 50, false)
	client.addCreator("quiet", 100000, 100, 10, false) // 0.11%
	client.addVideo("vegasfood", "ok", "good")
	client.addVideo("vegasfood", "priv", "private")
	client.addVideo("vegasfood", "tiny", "small")
	client.addVideo("vegasfood", "low", "quiet")
	client.addVideo("vegasfood", "ghost", "nobody")
	client.tags["vegasfood"] = append(client.tags["vegasfood"],
		social.Media{ID: "photo", Kind: social.KindPhoto, OwnerHandle: "good"},
		social.Media{ID: "ok", Kind: social.KindReel, OwnerHandle: "good"},
	)

	store := openTestStore(t)
	p, _ := newTestPipeline(client, store)

	created, err := p.Discover(context.Background(), defaultParams("vegasfood"))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	ids := platformIDs(created)
	if len(ids) != 1 || !ids["ok"] {
		t.Fatalf("created = %v, want only ok", ids)
	}

	rep := p.LastReport()
	if rep == nil {
		t.Fatal("LastReport() = nil")
	}
	want := map[Reason]int{
		ReasonPrivate:    1,
		ReasonFollowers:  1,
		ReasonEngagement: 1,
		ReasonNotVideo:   1,
		ReasonDuplicate:  1,
	}
	for reason, n := range want {
		if rep.Rejected[reason] != n {
			t.Errorf("Rejected[%s] = %d, want %d", reason, rep.Rejected[reason], n)
		}
	}
	if rep.Errored != 1 {
		t.Errorf("Errored = %d, want 1 (creator not found)", rep.Errored)
	}
	if rep.Admitted != 1 || rep.Created != 1 {
		t.Errorf("Admitted/Created = %d/%d, want 1/1", rep.Admitted, rep.Created)
	}
}

func TestDiscover_Idempotent(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.addVideo("vegasfood", "m1", "vegaseats")
	client.addVideo("vegasfood", "m2", "vegaseats")
	client.addVideo("lasvegas", "m2", "vegaseats")

	store := openTestStore(t)
	p, _ := newTestPipeline(client, store)
	ctx := context.Background()
	params := defaultParams("vegasfood", "lasvegas")

	first, err := p.Discover(ctx, params)
	if err != nil {
		t.Fatalf("first Discover: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first run created %d, want 2", len(first))
	}

	second, err := p.Discover(ctx, params)
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second run created %d, want 0", len(second))
	}
	if second == nil {
		t.Error("second run returned nil slice, want empty")
	}

	all, err := store.ListMedia(ctx, storage.MediaFilter{})
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("store holds %d items, want 2", len(all))
	}
}

func TestDiscover_AdmissionMonotonic(t *testing.T) {
	build := func() *fakeClient {
		client := newFakeClient()
		for i, spec := range []struct {
			followers       int64
			likes, comments int64
		}{
			{800, 100, 5}, {1500, 20, 2}, {1500, 100, 5}, {20000, 500, 50}, {20000, 2000, 100}, {300000, 900, 90},
		} {
			h := fmt.Sprintf("creator%d", i)
			client.addCreator(h, spec.followers, spec.likes, spec.comments, false)
			client.addVideo("vegasfood", fmt.Sprintf("m%d", i), h)
		}
		return client
	}

	thresholds := []Params{
		{MinFollowers: 0, MinEngagement: 0},
		{MinFollowers: 1000, MinEngagement: 1},
		{MinFollowers: 1000, MinEngagement: 2},
		{MinFollowers: 10000, MinEngagement: 2},
		{MinFollowers: 10000, MinEngagement: 5},
		{MinFollowers: 500000, MinEngagement: 5},
	}

	var prev map[string]bool
	for i, th := range thresholds {
		th.Tags = []string{"vegasfood"}
		th.MaxPerTag = 20
		p, _ := newTestPipeline(build(), openTestStore(t))

		created, err := p.Discover(context.Background(), th)
		if err != nil {
			t.Fatalf("Discover: %v", err)
		}
		ids := platformIDs(created)
		if prev != nil {
			for id := range ids {
				if !prev[id] {
					t.Errorf("threshold %d admitted %s not admitted under looser threshold", i, id)
				}
			}
		}
		prev = ids
	}
	if len(prev) != 0 {
		t.Errorf("strictest threshold admitted %v, want none", prev)
	}
}

func TestDiscover_FailingTagDoesNotStopOthers(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.addVideo("broken", "m0", "vegaseats")
	client.addVideo("vegasfood", "m1", "vegaseats")
	client.tagErr["broken"] = errors.New("connection reset by peer")

	p, _ := newTestPipeline(client, openTestStore(t))

	created, err := p.Discover(context.Background(), defaultParams("broken", "vegasfood"))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if ids := platformIDs(created); len(ids) != 1 || !ids["m1"] {
		t.Errorf("created = %v, want m1", ids)
	}
	if rep := p.LastReport(); rep.SourceErrors != 1 {
		t.Errorf("SourceErrors = %d, want 1", rep.SourceErrors)
	}
}

func TestDiscover_StoreFailureRollsBackOnlyThatTag(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.addVideo("first", "a1", "vegaseats")
	client.addVideo("first", "bad", "vegaseats")
	client.addVideo("second", "b1", "vegaseats")

	store := openTestStore(t)
	p, _ := newTestPipeline(client, &failingStore{Store: store, failOn: "bad"})

	created, err := p.Discover(context.Background(), defaultParams("first", "second"))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if ids := platformIDs(created); len(ids) != 1 || !ids["b1"] {
		t.Errorf("created = %v, want b1", ids)
	}

	exists, err := store.MediaExists(context.Background(), "a1")
	if err != nil {
		t.Fatalf("MediaExists: %v", err)
	}
	if exists {
		t.Error("a1 stored although its batch failed")
	}
}

func TestDiscover_AuthErrorIsFatal(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.addVideo("second", "m2", "vegaseats")
	client.tagErr["first"] = fmt.Errorf("fetching: %w", social.ErrAuth)

	p, _ := newTestPipeline(client, openTestStore(t))

	created, err := p.Discover(context.Background(), defaultParams("first", "second"))
	if !errors.Is(err, social.ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if len(created) != 0 {
		t.Errorf("created %d items after auth failure, want 0", len(created))
	}
}

func TestDiscover_CancelKeepsAdmittedItems(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.addVideo("vegasfood", "m1", "vegaseats")
	client.addVideo("vegasfood", "m2", "vegaseats")
	client.addVideo("later", "m3", "vegaseats")

	store := openTestStore(t)
	p := NewPipeline(client, store, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	created, err := p.Discover(ctx, defaultParams("vegasfood", "later"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if ids := platformIDs(created); len(ids) != 1 || !ids["m1"] {
		t.Errorf("created = %v, want m1", ids)
	}
	ok, _ := store.MediaExists(context.Background(), "m3")
	if ok {
		t.Error("source after cancellation was scanned")
	}
}

func TestDiscover_CreatorLookedUpOncePerRun(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	for i := 0; i < 4; i++ {
		client.addVideo("vegasfood", fmt.Sprintf("m%d", i), "vegaseats")
	}

	p, _ := newTestPipeline(client, openTestStore(t))
	if _, err := p.Discover(context.Background(), defaultParams("vegasfood")); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if client.getUsers != 1 {
		t.Errorf("GetUser called %d times, want 1", client.getUsers)
	}
}

func TestDiscover_ExistingCreatorKeepsStatus(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.addVideo("vegasfood", "m1", "vegaseats")

	store := openTestStore(t)
	p, _ := newTestPipeline(client, store)
	ctx := context.Background()

	first, err := p.Discover(ctx, defaultParams("vegasfood"))
	if err != nil || len(first) != 1 {
		t.Fatalf("first Discover = %d, %v", len(first), err)
	}
	if err := store.SetCreatorStatus(ctx, first[0].CreatorID, storage.CreatorApproved); err != nil {
		t.Fatalf("SetCreatorStatus: %v", err)
	}

	client.addVideo("vegasfood", "m2", "vegaseats")
	second, err := p.Discover(ctx, defaultParams("vegasfood"))
	if err != nil || len(second) != 1 {
		t.Fatalf("second Discover = %d, %v", len(second), err)
	}
	if second[0].CreatorID != first[0].CreatorID {
		t.Errorf("creator not reused: %d vs %d", second[0].CreatorID, first[0].CreatorID)
	}
	c, _ := store.GetCreator(ctx, first[0].CreatorID)
	if c.Status != storage.CreatorApproved {
		t.Errorf("creator status = %q, want approved", c.Status)
	}
}

func TestDiscover_LocationsScannedAfterTags(t *testing.T) {
	client := newFakeClient()
	client.addCreator("vegaseats", 5000, 200, 20, false)
	client.places["Bellagio"] = []social.Media{{ID: "loc1", Code: "L1", Kind: social.KindVideo, OwnerHandle: "vegaseats"}}

	var order []string
	client.searchFn = func(ctx context.Context, tag string, limit int) ([]social.Media, error) {
		order = append(order, tag)
		return nil, nil
	}

	p, _ := newTestPipeline(client, openTestStore(t))
	params := defaultParams("a", "b")
	params.Locations = []string{"Bellagio"}

	created, err := p.Discover(context.Background(), params)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("tag order = %v", order)
	}
	if ids := platformIDs(created); !ids["loc1"] {
		t.Errorf("created = %v, want loc1", ids)
	}
}
