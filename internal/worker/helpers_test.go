package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/precache/internal/cache"
	"github.com/any-hub/precache/internal/logging"
)

const testOrigin = "https://app.example.com"

// fakeOrigin serves canned bodies per path and counts every fetch.
type fakeOrigin struct {
	mu     sync.Mutex
	bodies map[string]string
	down   map[string]bool
	hang   map[string]bool
	hits   map[string]int
	last   map[string]http.Header
}

func newFakeOrigin(bodies map[string]string) *fakeOrigin {
	return &fakeOrigin{
		bodies: bodies,
		down:   map[string]bool{},
		hang:   map[string]bool{},
		hits:   map[string]int{},
		last:   map[string]http.Header{},
	}
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *Request) (*http.Response, error) {
	path := req.URL.Path
	o.mu.Lock()
	o.hits[path]++
	o.last[path] = req.Header.Clone()
	hang := o.hang[path]
	down := o.down[path]
	body, ok := o.bodies[path]
	o.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if down {
		return nil, errors.New("connection refused")
	}
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("not found")),
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *fakeOrigin) setDown(path string, down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down[path] = down
}

func (o *fakeOrigin) setHang(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hang[path] = true
}

func (o *fakeOrigin) lastHeader(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last[path]
}

func (o *fakeOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// countingStore records Match calls, can fail Delete for chosen buckets and
// can hold Promote into a chosen bucket until released.
type countingStore struct {
	cache.Store

	mu          sync.Mutex
	matches     int
	failDelete  map[string]bool
	promoteHold map[string]*promoteGate
}

type promoteGate struct {
	entered chan struct{}
	release chan struct{}
}

func (s *countingStore) holdPromote(bucket string) *promoteGate {
	gate := &promoteGate{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.promoteHold[bucket] = gate
	s.mu.Unlock()
	return gate
}

func (s *countingStore) Promote(ctx context.Context, from, to string) error {
	s.mu.Lock()
	gate := s.promoteHold[to]
	delete(s.promoteHold, to)
	s.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.release
	}
	return s.Store.Promote(ctx, from, to)
}

func (s *countingStore) Match(ctx context.Context, locator cache.Locator) (*cache.ReadResult, error) {
	s.mu.Lock()
	s.matches++
	s.mu.Unlock()
	return s.Store.Match(ctx, locator)
}

func (s *countingStore) Delete(ctx context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	fail := s.failDelete[bucket]
	s.mu.Unlock()
	if fail {
		return false, errors.New("device busy")
	}
	return s.Store.Delete(ctx, bucket)
}

func (s *countingStore) matchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches
}

// recordingObserver counts lifecycle events by name/result.
type recordingObserver struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: map[string]int{}}
}

func (o *recordingObserver) record(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[key]++
}

func (o *recordingObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[key]
}

func (o *recordingObserver) RefreshSettled(_, result string)  { o.record("refresh:" + result) }
func (o *recordingObserver) InstallFinished(_, result string) { o.record("install:" + result) }
func (o *recordingObserver) BucketDeleted(_, result string)   { o.record("delete:" + result) }
func (o *recordingObserver) VersionActivated(_, _, version string) {
	o.record("activated:" + version)
}

type testEnv struct {
	store    *countingStore
	origin   *fakeOrigin
	observer *recordingObserver
	deps     Deps
}

func newTestEnv(t *testing.T, bodies map[string]string) *testEnv {
	t.Helper()
	base, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)

	store := &countingStore{Store: base, failDelete: map[string]bool{}, promoteHold: map[string]*promoteGate{}}
	origin := newFakeOrigin(bodies)
	observer := newRecordingObserver()
	return &testEnv{
		store:    store,
		origin:   origin,
		observer: observer,
		deps: Deps{
			Store:    store,
			Fetcher:  origin,
			Logger:   logging.Discard(),
			Observer: observer,
		},
	}
}

func testOptions(version string, manifest ...string) Options {
	origin, _ := url.Parse(testOrigin)
	return Options{
		Site:               "app",
		Version:            version,
		Origin:             origin,
		Manifest:           manifest,
		FallbackPath:       "/",
		InstallConcurrency: 2,
	}
}

func (e *testEnv) activeManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(opts, e.deps)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background()))
	require.NoError(t, m.Activate(context.Background()))
	return m
}

func getRequest(t *testing.T, method, raw string) *Request {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return &Request{Method: method, URL: u, Header: http.Header{}}
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	require.NotNil(t, resp.Body)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func bucketKeys(t *testing.T, store cache.Store) []string {
	t.Helper()
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	return keys
}
