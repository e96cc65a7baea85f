package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/offline-cache/offline-cache/cache"
	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
)

func TestCacheFirstMissPopulatesOnce(t *testing.T) {
	var logoCount atomic.Int32
	mux := staticOrigin()
	mux.HandleFunc("/img/logo.png", func(w http.ResponseWriter, r *http.Request) {
		logoCount.Add(1)
		w.Write([]byte("logo bytes"))
	})
	c, server := newController(t, mux)
	deploy(t, c, "v1")

	// 1. miss: fetched from the origin and stored
	rr := doRequest(c, httptest.NewRequest("GET", "/img/logo.png", nil))
	if rr.Body.String() != "logo bytes" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status is %q", got)
	}
	// 2. repeat: served from the partition, the origin is not consulted
	rr = doRequest(c, httptest.NewRequest("GET", "/img/logo.png", nil))
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %q", got)
	}
	if logoCount.Load() != 1 {
		t.Fatalf("origin hit %d times", logoCount.Load())
	}
	// 3. and it survives the origin going away
	server.Close()
	rr = doRequest(c, httptest.NewRequest("GET", "/img/logo.png", nil))
	if rr.Body.String() != "logo bytes" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	var brokenCount atomic.Int32
	mux := staticOrigin()
	mux.HandleFunc("/broken.css", func(w http.ResponseWriter, r *http.Request) {
		brokenCount.Add(1)
		http.NotFound(w, r)
	})
	c, _ := newController(t, mux)
	deploy(t, c, "v1")

	for i := 0; i < 2; i++ {
		rr := doRequest(c, httptest.NewRequest("GET", "/broken.css", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("got %d", rr.Code)
		}
		if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=uri-miss" {
			t.Fatalf("Cache-Status is %q", got)
		}
	}
	if brokenCount.Load() != 2 {
		t.Fatalf("origin hit %d times, error responses must not be stored", brokenCount.Load())
	}
}

func TestCacheFirstOfflineFallback(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")
	server.Close()

	rr := doRequest(c, httptest.NewRequest("GET", "/never-seen.css", nil))
	if rr.Body.String() != "you are offline" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; hit; detail=offline" {
		t.Fatalf("Cache-Status is %q", got)
	}
}

func TestCacheFirstWithoutFallbackPropagates(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")
	if err := c.ClearPartitions(context.Background()); err != nil {
		t.Fatal(err)
	}
	server.Close()

	rr := doRequest(c, httptest.NewRequest("GET", "/never-seen.css", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	var slowCount atomic.Int32
	mux := staticOrigin()
	mux.HandleFunc("/slow.css", func(w http.ResponseWriter, r *http.Request) {
		slowCount.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("slow"))
	})
	c, _ := newController(t, mux)
	deploy(t, c, "v1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := doRequest(c, httptest.NewRequest("GET", "/slow.css", nil))
			if rr.Code != http.StatusOK || rr.Body.String() != "slow" {
				t.Errorf("got %d %q", rr.Code, rr.Body.String())
			}
		}()
	}
	wg.Wait()
	if slowCount.Load() != 1 {
		t.Fatalf("origin hit %d times for concurrent identical misses", slowCount.Load())
	}
}

func TestNetworkFirstStoresAndReplaysOffline(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")

	rr := doRequest(c, httptest.NewRequest("GET", "/api/data", nil))
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=api; stored" {
		t.Fatalf("Cache-Status is %q", got)
	}

	server.Close()
	rr = doRequest(c, httptest.NewRequest("GET", "/api/data", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != `{"items":1}` {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %q", got)
	}
}

func TestNetworkFirstDoesNotStoreErrors(t *testing.T) {
	mux := staticOrigin()
	mux.HandleFunc("/api/secret", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	c, server := newController(t, mux)
	deploy(t, c, "v1")

	rr := doRequest(c, httptest.NewRequest("GET", "/api/secret", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=api" {
		t.Fatalf("Cache-Status is %q", got)
	}

	server.Close()
	if rr := doRequest(c, httptest.NewRequest("GET", "/api/secret", nil)); rr.Code != http.StatusBadGateway {
		t.Fatalf("got %d, the error response must not have been stored", rr.Code)
	}
}

func TestNetworkFirstUnseenOffline(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")
	server.Close()

	if rr := doRequest(c, httptest.NewRequest("GET", "/api/other", nil)); rr.Code != http.StatusBadGateway {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestNetworkFirstDoesNotStoreWrites(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")

	rr := doRequest(c, httptest.NewRequest("POST", "/api/data", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=api" {
		t.Fatalf("Cache-Status is %q, writes must not be stored", got)
	}

	server.Close()
	if rr := doRequest(c, httptest.NewRequest("POST", "/api/data", nil)); rr.Code != http.StatusBadGateway {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestNavigationServesOriginAndStoresNothing(t *testing.T) {
	mux := staticOrigin()
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("about page"))
	})
	c, server := newController(t, mux)
	deploy(t, c, "v1")

	rr := doRequest(c, navigateReq("/about"))
	if rr.Body.String() != "about page" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=navigate" {
		t.Fatalf("Cache-Status is %q", got)
	}

	// nothing was stored for /about: offline, the shell stands in instead
	server.Close()
	rr = doRequest(c, navigateReq("/about"))
	if rr.Body.String() != "<!doctype html><title>shell</title>" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestNavigationSubstitutesShellForErrors(t *testing.T) {
	c, _ := newController(t, staticOrigin())
	deploy(t, c, "v1")

	// staticOrigin 404s unknown document paths, the client-side router
	// owns them
	rr := doRequest(c, navigateReq("/spa/route"))
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	if rr.Body.String() != "<!doctype html><title>shell</title>" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; hit; detail=shell" {
		t.Fatalf("Cache-Status is %q", got)
	}
}

func TestNavigationOfflineServesShell(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")
	server.Close()

	rr := doRequest(c, navigateReq("/anything"))
	if rr.Code != http.StatusOK || rr.Body.String() != "<!doctype html><title>shell</title>" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; hit; detail=shell" {
		t.Fatalf("Cache-Status is %q", got)
	}
}

// dropShell rebuilds the active precache partition with only the offline
// page, to exercise the fallback order behind a missing shell.
func dropShell(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	wk := c.activeWorker()
	if _, err := c.store.DeletePartition(ctx, "precache-v1"); err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	rr.Header().Set("Content-Type", "text/html")
	rr.WriteString("offline stand-in")
	b, err := serializer.ResponseToBytes(rr.Result())
	if err != nil {
		t.Fatal(err)
	}
	err = wk.precache.Put(ctx, cachekey.FromPath("/offline.html"), cache.Entry{
		Bytes:    b,
		StoredAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNavigationWithoutShellFallsBackToOfflinePage(t *testing.T) {
	c, server := newController(t, staticOrigin())
	deploy(t, c, "v1")
	dropShell(t, c)
	server.Close()

	rr := doRequest(c, navigateReq("/anything"))
	if rr.Body.String() != "offline stand-in" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; hit; detail=offline" {
		t.Fatalf("Cache-Status is %q", got)
	}
}

func TestNavigationWithoutShellKeepsErrorResponse(t *testing.T) {
	c, _ := newController(t, staticOrigin())
	deploy(t, c, "v1")
	dropShell(t, c)

	rr := doRequest(c, navigateReq("/spa/route"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d, without a shell the origin response stands", rr.Code)
	}
	if got := rr.Header().Get("Cache-Status"); got != "Offline-Cache; fwd=navigate" {
		t.Fatalf("Cache-Status is %q", got)
	}
}
