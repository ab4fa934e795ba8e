package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
)

func getRequest(t *testing.T, raw string) *Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

func TestCacheName(t *testing.T) {
	if got := CacheName("typeit", "v3"); got != "typeit-v3" {
		t.Fatalf("unexpected cache name %s", got)
	}
	if got := CacheName("", "v3"); got != "typeit-v3" {
		t.Fatalf("empty prefix should fall back to default, got %s", got)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{})

	cases := []struct {
		name string
		opts Options
	}{
		{"missing version", Options{Store: store, Network: network}},
		{"missing store", Options{Version: "v1", Network: network}},
		{"missing network", Options{Version: "v1", Store: store}},
		{"bad bucket name", Options{Version: "v1/evil", Store: store, Network: network}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestInstallCachesEveryManifestURL(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{
		"/":                        "<html>typeit</html>",
		"/classifier.css":          "body{}",
		"/latex-logo-trimmed.webp": "webp-bytes",
		"/computer-modern.otf":     "otf-bytes",
	})
	m := newTestManager(t, Options{
		Version:  "v1",
		Manifest: []string{"/", "/classifier.css", "/latex-logo-trimmed.webp", "/computer-modern.otf"},
		Store:    store,
		Network:  network,
	})

	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if m.State() != StateInstalled {
		t.Fatalf("expected installed, got %s", m.State())
	}
	for _, path := range m.Manifest() {
		entry := mustMatch(t, store, "typeit-v1", path)
		if entry.Status != http.StatusOK {
			t.Fatalf("unexpected status for %s: %d", path, entry.Status)
		}
	}
	if string(mustMatch(t, store, "typeit-v1", "/classifier.css").Body) != "body{}" {
		t.Fatalf("manifest body mismatch")
	}
}

func TestInstallFailsAtomically(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(n *stubNetwork)
	}{
		{"missing asset", func(n *stubNetwork) {}},
		{"server error", func(n *stubNetwork) { n.status["/app.css"] = http.StatusInternalServerError }},
		{"offline", func(n *stubNetwork) { n.offline = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			network := newStubNetwork(map[string]string{"/": "index", "/app.css": "css"})
			manifest := []string{"/", "/app.css"}
			if tc.name == "missing asset" {
				manifest = append(manifest, "/missing.css")
			}
			tc.prepare(network)
			m := newTestManager(t, Options{Version: "v1", Manifest: manifest, Store: store, Network: network})

			err := m.Install(context.Background())
			if !errors.Is(err, ErrInstallFailed) {
				t.Fatalf("expected ErrInstallFailed, got %v", err)
			}
			if m.State() != StateRedundant {
				t.Fatalf("failed install must not be ready, state=%s", m.State())
			}
			names, err := store.ListBuckets(context.Background())
			if err != nil {
				t.Fatalf("list buckets: %v", err)
			}
			if len(names) != 0 {
				t.Fatalf("no bucket should be committed, got %v", names)
			}
		})
	}
}

func TestInstallRollsBackPartialWrites(t *testing.T) {
	store := &faultyStore{
		Store:    newTestStore(t),
		putErr:   &cache.StorageError{Op: "put", Err: errors.New("quota exceeded")},
		putAfter: 1,
	}
	network := newStubNetwork(map[string]string{"/": "index", "/app.css": "css"})
	m := newTestManager(t, Options{Version: "v1", Manifest: []string{"/", "/app.css"}, Store: store, Network: network})

	err := m.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	var storageErr *cache.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
	names, _ := store.ListBuckets(context.Background())
	if len(names) != 0 {
		t.Fatalf("partial bucket should be removed, got %v", names)
	}
}

func TestInstallTwiceIsRejected(t *testing.T) {
	network := newStubNetwork(map[string]string{"/": "index"})
	m := newTestManager(t, Options{Version: "v1", Manifest: []string{"/"}, Store: newTestStore(t), Network: network})
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := m.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestActivateBeforeInstallIsRejected(t *testing.T) {
	m := newTestManager(t, Options{Version: "v1", Store: newTestStore(t), Network: newStubNetwork(nil)})
	if err := m.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestFetchNeverCachesIneligibleResponses(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{
		"/data.json":    `{"ok":true}`,
		"/logo.webp":    "webp",
		"/app.js":       "js",
		"/pkg/gone.css": "gone",
	})
	network.status["/pkg/gone.css"] = http.StatusNotModified
	m := newTestManager(t, Options{Version: "v1", Store: store, Network: network})

	for _, path := range []string{"/data.json", "/logo.webp", "/pkg/gone.css", "/app.js"} {
		if _, err := m.Fetch(context.Background(), getRequest(t, "http://app.local"+path)); err != nil {
			t.Fatalf("fetch %s: %v", path, err)
		}
	}
	m.Wait()

	bucket, err := store.Open(context.Background(), m.CacheName())
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"/app.js"}) {
		t.Fatalf("only /app.js should be cached, got %v", keys)
	}
}

func TestFetchDataJSONServedFromNetworkAndNeverCached(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{"/data.json": `{"rows":[1,2]}`})
	m := newTestManager(t, Options{Version: "v1", Store: store, Network: network})

	resp, err := m.Fetch(context.Background(), getRequest(t, "http://app.local/data.json"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Source != "network" || string(resp.Body) != `{"rows":[1,2]}` {
		t.Fatalf("unexpected response %+v", resp)
	}
	m.Wait()
	assertMissing(t, store, m.CacheName(), "/data.json")
}

func TestFetchServesCacheWhileNetworkHangs(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{"/app.css": "cached-css"})
	m := newTestManager(t, Options{Version: "v1", Manifest: []string{"/app.css"}, Store: store, Network: network})
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	hang := make(chan struct{})
	network.setHang(hang)
	defer close(hang)

	req := getRequest(t, "http://app.local/app.css")
	done := make(chan *Response, 1)
	go func() {
		resp, err := m.Fetch(context.Background(), req)
		if err != nil {
			t.Errorf("fetch: %v", err)
		}
		done <- resp
	}()

	select {
	case resp := <-done:
		if resp == nil || resp.Source != "cache" || string(resp.Body) != "cached-css" {
			t.Fatalf("expected cached response, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cached response waited on the network")
	}
}

func TestFetchMissPropagatesNetworkFailure(t *testing.T) {
	network := newStubNetwork(map[string]string{"/app.js": "js"})
	network.setOffline(true)
	m := newTestManager(t, Options{Version: "v1", Store: newTestStore(t), Network: network})

	resp, err := m.Fetch(context.Background(), getRequest(t, "http://app.local/app.js"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got resp=%+v err=%v", resp, err)
	}
}

func TestFetchSwallowsNetworkFailureAfterCacheHit(t *testing.T) {
	network := newStubNetwork(map[string]string{"/app.js": "js-v1"})
	store := newTestStore(t)
	m := newTestManager(t, Options{Version: "v1", Manifest: []string{"/app.js"}, Store: store, Network: network})
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	network.setOffline(true)

	resp, err := m.Fetch(context.Background(), getRequest(t, "http://app.local/app.js"))
	if err != nil {
		t.Fatalf("cached response expected, got %v", err)
	}
	m.Wait()
	if string(resp.Body) != "js-v1" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if string(mustMatch(t, store, m.CacheName(), "/app.js").Body) != "js-v1" {
		t.Fatalf("failed revalidation must not touch the entry")
	}
}

func TestFetchConvergesToSingleEntry(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{"/pkg/typeit.js": "build-1"})
	m := newTestManager(t, Options{Version: "v1", Store: store, Network: network})

	first, err := m.Fetch(context.Background(), getRequest(t, "http://app.local/pkg/typeit.js"))
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	m.Wait()
	if first.Source != "network" {
		t.Fatalf("first fetch should miss, got %s", first.Source)
	}

	network.setAsset("/pkg/typeit.js", "build-2")
	second, err := m.Fetch(context.Background(), getRequest(t, "http://app.local/pkg/typeit.js"))
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	m.Wait()
	if second.Source != "cache" || string(second.Body) != "build-1" {
		t.Fatalf("second fetch should serve the stale entry, got %+v", second)
	}

	bucket, _ := store.Open(context.Background(), m.CacheName())
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"/pkg/typeit.js"}) {
		t.Fatalf("expected a single entry, got %v", keys)
	}
	if string(mustMatch(t, store, m.CacheName(), "/pkg/typeit.js").Body) != "build-2" {
		t.Fatalf("entry should be refreshed to the latest network response")
	}
	if network.callCount("/pkg/typeit.js") != 2 {
		t.Fatalf("each fetch should hit the network once, got %d", network.callCount("/pkg/typeit.js"))
	}
}

func TestFetchTreatsStorageFailureAsMiss(t *testing.T) {
	store := &faultyStore{
		Store:    newTestStore(t),
		matchErr: &cache.StorageError{Op: "match", Err: errors.New("corrupt entry")},
	}
	network := newStubNetwork(map[string]string{"/app.css": "fresh"})
	m := newTestManager(t, Options{Version: "v1", Store: store, Network: network})

	resp, err := m.Fetch(context.Background(), getRequest(t, "http://app.local/app.css"))
	if err != nil {
		t.Fatalf("storage failure must not surface: %v", err)
	}
	if resp.Source != "network" || string(resp.Body) != "fresh" {
		t.Fatalf("expected network response, got %+v", resp)
	}
}

func TestFetchBypassesCacheForNonGet(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{"/app.js": "js"})
	m := newTestManager(t, Options{Version: "v1", Store: store, Network: network})

	req := getRequest(t, "http://app.local/app.js")
	req.Method = http.MethodPost
	resp, err := m.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.Source != "network" {
		t.Fatalf("non-GET should come from network")
	}
	m.Wait()
	assertMissing(t, store, m.CacheName(), "/app.js")
}

func TestFetchRespectsRequestCancellationOnMiss(t *testing.T) {
	network := newStubNetwork(map[string]string{"/app.js": "js"})
	hang := make(chan struct{})
	network.setHang(hang)
	defer close(hang)
	m := newTestManager(t, Options{Version: "v1", Store: newTestStore(t), Network: network})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Fetch(ctx, getRequest(t, "http://app.local/app.js")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestActivateBroadcastsOncePerClient(t *testing.T) {
	hub := clients.NewHub()
	pages := []*clients.Client{hub.Connect("http://app.local/"), hub.Connect("http://app.local/"), hub.Connect("")}

	network := newStubNetwork(map[string]string{"/": "index"})
	m := newTestManager(t, Options{
		Version:  "v2",
		Manifest: []string{"/"},
		Store:    newTestStore(t),
		Network:  network,
		Clients:  hub,
	})
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for _, page := range pages {
		select {
		case msg := <-page.Messages():
			if msg != (clients.Message{Type: clients.TypeUpdated, Version: "v2"}) {
				t.Fatalf("unexpected message %+v", msg)
			}
		default:
			t.Fatalf("client %s was not notified", page.ID())
		}
		select {
		case extra := <-page.Messages():
			t.Fatalf("client %s notified twice: %+v", page.ID(), extra)
		default:
		}
	}
}

func TestActivateUsesConfiguredMessageType(t *testing.T) {
	hub := clients.NewHub()
	page := hub.Connect("")
	m := newTestManager(t, Options{
		Version:     "v5",
		Store:       newTestStore(t),
		Network:     newStubNetwork(nil),
		Clients:     hub,
		MessageType: clients.TypeUpdate,
	})
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if msg := <-page.Messages(); msg.Type != "update" || msg.Version != "v5" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestEndToEndOfflineServesInstallBytes(t *testing.T) {
	store := newTestStore(t)
	network := newStubNetwork(map[string]string{
		"/":        "<html>home</html>",
		"/app.css": "body{font-family:cmu}",
	})
	reg := NewRegistration(nil, nil)
	m := newTestManager(t, Options{Version: "v1", Manifest: []string{"/", "/app.css"}, Store: store, Network: network})
	if err := reg.Deploy(context.Background(), m); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	installed := mustMatch(t, store, m.CacheName(), "/app.css")

	network.setOffline(true)
	resp, err := reg.Active().Fetch(context.Background(), getRequest(t, "http://app.local/app.css"))
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if resp.Source != "cache" {
		t.Fatalf("expected cache source, got %s", resp.Source)
	}
	if string(resp.Body) != string(installed.Body) || string(resp.Body) != "body{font-family:cmu}" {
		t.Fatalf("offline body %q differs from install-time body %q", resp.Body, installed.Body)
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("cached headers lost: %v", resp.Header)
	}
}
