package downloader

import (
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webimg/webimg/internal/codec"
)

func waitDone(t *testing.T, ch <-chan completionResult) completionResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completionResult{}
	}
}

func completionInto(ch chan<- completionResult) CompletionFunc {
	return func(img image.Image, data []byte, err error, finished bool) {
		if finished {
			ch <- completionResult{img: img, data: data, err: err, finished: finished}
		}
	}
}

func TestCoordinatorDownload(t *testing.T) {
	payload := pngFixture(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	ch := make(chan completionResult, 1)
	token, err := d.Download(srv.URL+"/pic.png", Options{}, nil, completionInto(ch))
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, srv.URL+"/pic.png", token.URL)

	r := waitDone(t, ch)
	require.NoError(t, r.err)
	assert.NotNil(t, r.img)
	assert.Equal(t, payload, r.data)
}

func TestCoordinatorEmptyURL(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Close()

	_, err := d.Download("", Options{}, nil, nil)
	assert.Error(t, err)
}

func TestCoordinatorDedup(t *testing.T) {
	payload := pngFixture(t, 8, 8)

	var transfers atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transfers.Add(1)
		<-release
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	url := srv.URL + "/shared.png"
	ch1 := make(chan completionResult, 1)
	ch2 := make(chan completionResult, 1)

	tok1, err := d.Download(url, Options{}, nil, completionInto(ch1))
	require.NoError(t, err)

	// Wait for the transfer to actually start, then issue the second
	// request for the same URL: it must join the in-flight task.
	require.Eventually(t, func() bool { return transfers.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	tok2, err := d.Download(url, Options{}, nil, completionInto(ch2))
	require.NoError(t, err)
	assert.Equal(t, tok1.URL, tok2.URL)
	assert.NotEqual(t, tok1.id, tok2.id)
	assert.Equal(t, 1, d.ActiveCount())

	close(release)

	r1 := waitDone(t, ch1)
	r2 := waitDone(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.NotNil(t, r1.img)
	assert.NotNil(t, r2.img)
	assert.Equal(t, int32(1), transfers.Load(), "deduplicated requests share one transfer")
}

func TestCoordinatorCancelOneRegistration(t *testing.T) {
	payload := pngFixture(t, 8, 8)

	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	url := srv.URL + "/shared.png"
	cancelledCh := make(chan completionResult, 1)
	survivorCh := make(chan completionResult, 1)

	tok1, err := d.Download(url, Options{}, nil, completionInto(cancelledCh))
	require.NoError(t, err)
	<-started

	_, err = d.Download(url, Options{}, nil, completionInto(survivorCh))
	require.NoError(t, err)

	// Cancelling one registration must not abort the shared task.
	d.Cancel(tok1)
	assert.Equal(t, 1, d.ActiveCount())

	close(release)

	r := waitDone(t, survivorCh)
	require.NoError(t, r.err)
	assert.NotNil(t, r.img)

	select {
	case <-cancelledCh:
		t.Fatal("cancelled registration received a completion")
	default:
	}
}

func TestCoordinatorCancelLastRegistrationAbortsTask(t *testing.T) {
	started := make(chan struct{})
	gone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(gone)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	ch := make(chan completionResult, 1)
	token, err := d.Download(srv.URL, Options{}, nil, completionInto(ch))
	require.NoError(t, err)
	<-started

	d.Cancel(token)

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("transport request was not aborted")
	}

	// Cancellation omits completion callbacks.
	select {
	case <-ch:
		t.Fatal("cancelled task invoked a completion callback")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, 0, d.ActiveCount())
}

func TestCoordinatorLIFOOrder(t *testing.T) {
	payload := pngFixture(t, 4, 4)

	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(Config{Concurrency: 1, ExecutionOrder: LIFO}, nil)
	defer d.Close()

	// Hold admission until all three tasks are queued.
	d.SetSuspended(true)

	var wg sync.WaitGroup
	for _, name := range []string{"/a.png", "/b.png", "/c.png"} {
		wg.Add(1)
		_, err := d.Download(srv.URL+name, Options{}, nil, func(img image.Image, data []byte, err error, finished bool) {
			if finished {
				wg.Done()
			}
		})
		require.NoError(t, err)
	}

	d.SetSuspended(false)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/c.png", "/b.png", "/a.png"}, order)
}

func TestCoordinatorFIFOOrder(t *testing.T) {
	payload := pngFixture(t, 4, 4)

	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(Config{Concurrency: 1}, nil)
	defer d.Close()

	d.SetSuspended(true)

	var wg sync.WaitGroup
	for _, name := range []string{"/a.png", "/b.png", "/c.png"} {
		wg.Add(1)
		_, err := d.Download(srv.URL+name, Options{}, nil, func(img image.Image, data []byte, err error, finished bool) {
			if finished {
				wg.Done()
			}
		})
		require.NoError(t, err)
	}

	d.SetSuspended(false)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/a.png", "/b.png", "/c.png"}, order)
}

func TestCoordinatorPriority(t *testing.T) {
	payload := pngFixture(t, 4, 4)

	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(Config{Concurrency: 1}, nil)
	defer d.Close()

	d.SetSuspended(true)

	var wg sync.WaitGroup
	enqueue := func(name string, prio Priority) {
		wg.Add(1)
		_, err := d.Download(srv.URL+name, Options{Priority: prio}, nil, func(img image.Image, data []byte, err error, finished bool) {
			if finished {
				wg.Done()
			}
		})
		require.NoError(t, err)
	}

	enqueue("/low.png", PriorityLow)
	enqueue("/normal.png", PriorityNormal)
	enqueue("/high.png", PriorityHigh)

	d.SetSuspended(false)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/high.png", "/normal.png", "/low.png"}, order)
}

func TestCoordinatorTaskCompletionClearsActive(t *testing.T) {
	payload := pngFixture(t, 4, 4)
	var transfers atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transfers.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	url := srv.URL + "/pic.png"

	ch := make(chan completionResult, 1)
	_, err := d.Download(url, Options{}, nil, completionInto(ch))
	require.NoError(t, err)
	waitDone(t, ch)

	require.Eventually(t, func() bool { return d.ActiveCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	// A fresh request for the same URL starts a new transfer.
	ch2 := make(chan completionResult, 1)
	_, err = d.Download(url, Options{}, nil, completionInto(ch2))
	require.NoError(t, err)
	waitDone(t, ch2)

	assert.Equal(t, int32(2), transfers.Load())
}

func TestCoordinatorFinishedActiveTaskReplaced(t *testing.T) {
	payload := pngFixture(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	url := srv.URL + "/pic.png"

	// A task that reached a terminal state but is still in the active map,
	// as happens between its completion and the dispatcher forgetting it.
	stale := newTask(url, Options{}, taskConfig{
		client: http.DefaultClient,
		engine: codec.NewStdEngine(),
	})
	id := stale.AddRegistration(nil, nil)
	require.True(t, stale.Cancel(id))

	d.mu.Lock()
	d.active[url] = stale
	d.mu.Unlock()

	// Joining must not attach to the dead task; a fresh transfer runs and
	// the completion fires.
	ch := make(chan completionResult, 1)
	_, err := d.Download(url, Options{}, nil, completionInto(ch))
	require.NoError(t, err)

	r := waitDone(t, ch)
	require.NoError(t, r.err)
	assert.NotNil(t, r.img)
}

func TestCoordinatorCancelAll(t *testing.T) {
	started := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	ch := make(chan completionResult, 2)
	_, err := d.Download(srv.URL+"/one.png", Options{}, nil, completionInto(ch))
	require.NoError(t, err)
	_, err = d.Download(srv.URL+"/two.png", Options{}, nil, completionInto(ch))
	require.NoError(t, err)

	<-started
	<-started

	d.CancelAll()
	assert.Equal(t, 0, d.ActiveCount())

	select {
	case <-ch:
		t.Fatal("cancelled task invoked a completion callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinatorEvents(t *testing.T) {
	payload := pngFixture(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var events []Event

	cfg := DefaultConfig()
	cfg.Hooks = []EventHook{func(ev Event, url string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}}

	d := New(cfg, nil)
	defer d.Close()

	ch := make(chan completionResult, 1)
	_, err := d.Download(srv.URL, Options{}, nil, completionInto(ch))
	require.NoError(t, err)
	waitDone(t, ch)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Event{EventStarted, EventResponseReceived, EventStopped, EventFinished}, events)
}

func TestCoordinatorDefaultHeaders(t *testing.T) {
	payload := pngFixture(t, 4, 4)

	var gotAccept, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotCustom = r.Header.Get("X-Api-Key")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := New(DefaultConfig(), nil)
	defer d.Close()

	d.SetHeader("X-Api-Key", "token-123")
	assert.Equal(t, "token-123", d.Header("X-Api-Key"))

	ch := make(chan completionResult, 1)
	_, err := d.Download(srv.URL, Options{}, nil, completionInto(ch))
	require.NoError(t, err)
	waitDone(t, ch)

	assert.Equal(t, "image/*;q=0.8", gotAccept)
	assert.Equal(t, "token-123", gotCustom)
}
