// Package downloader manages concurrent, deduplicated, cancellable image
// downloads. Concurrent requests for the same URL share a single transfer;
// each caller holds its own registration and cancels it independently.
package downloader

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/webimg/webimg/internal/codec"
)

// Token identifies one registration on one URL's active task. Pass it to
// Cancel to detach that registration.
type Token struct {
	URL string
	id  uuid.UUID
}

type clientKey struct {
	insecure bool
	cookies  bool
}

// Coordinator deduplicates downloads per URL, bounds concurrency and admits
// pending tasks FIFO or LIFO with priority ordering.
type Coordinator struct {
	engine codec.Engine
	log    *slog.Logger

	mu        sync.Mutex
	cfg       Config
	sem       *semaphore.Weighted
	active    map[string]*Task
	pending   []*Task
	suspended bool
	clients   map[clientKey]*http.Client
	jar       http.CookieJar
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a coordinator and starts its dispatcher. A nil engine falls
// back to the standard codec. Callers own the instance; there is no shared
// global.
func New(cfg Config, engine codec.Engine) *Coordinator {
	if engine == nil {
		engine = codec.NewStdEngine()
	}
	cfg = cfg.withDefaults()

	jar, _ := cookiejar.New(nil)
	d := &Coordinator{
		engine:  engine,
		log:     slog.Default().With("component", "downloader"),
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		active:  make(map[string]*Task),
		clients: make(map[clientKey]*http.Client),
		jar:     jar,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.dispatch()
	return d
}

// Download requests url. If a task for the URL is already active, a new
// registration is attached to it and no second transfer happens; otherwise a
// task is created, registered as active and queued. Both callbacks are
// optional.
func (d *Coordinator) Download(url string, opts Options, progress ProgressFunc, completion CompletionFunc) (*Token, error) {
	if url == "" {
		return nil, errors.New("download url required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("downloader is closed")
	}

	if t, ok := d.active[url]; ok {
		if id, joined := t.tryAddRegistration(progress, completion); joined {
			d.mu.Unlock()
			return &Token{URL: url, id: id}, nil
		}
		// The task finished between its completion and forget; replace it
		// with a fresh transfer below.
	}

	t := newTask(url, opts, taskConfig{
		client:   d.clientLocked(opts),
		engine:   d.engine,
		headers:  d.headersLocked(url, opts),
		username: d.cfg.Username,
		password: d.cfg.Password,
		notify:   d.notify,
	})
	id := t.AddRegistration(progress, completion)
	d.active[url] = t
	d.pending = append(d.pending, t)
	d.mu.Unlock()

	d.signal()
	return &Token{URL: url, id: id}, nil
}

// Cancel detaches the registration identified by token. If it was the last
// registration the task is torn down and removed from the active set.
func (d *Coordinator) Cancel(token *Token) {
	if token == nil {
		return
	}

	d.mu.Lock()
	t, ok := d.active[token.URL]
	d.mu.Unlock()
	if !ok {
		return
	}

	if t.Cancel(token.id) {
		d.forget(t)
		d.signal()
	}
}

// CancelAll tears down every pending and running task without invoking
// completion callbacks.
func (d *Coordinator) CancelAll() {
	d.mu.Lock()
	tasks := make([]*Task, 0, len(d.active))
	for _, t := range d.active {
		tasks = append(tasks, t)
	}
	d.active = make(map[string]*Task)
	d.pending = nil
	d.mu.Unlock()

	for _, t := range tasks {
		t.teardown()
	}
}

// SetSuspended pauses or resumes admission of pending tasks. Transfers that
// already started keep running.
func (d *Coordinator) SetSuspended(suspended bool) {
	d.mu.Lock()
	d.suspended = suspended
	d.mu.Unlock()
	if !suspended {
		d.signal()
	}
}

// SetConcurrency changes the concurrency bound for subsequent admissions.
func (d *Coordinator) SetConcurrency(n int) {
	if n <= 0 {
		n = DefaultConcurrency
	}
	d.mu.Lock()
	d.cfg.Concurrency = n
	d.sem = semaphore.NewWeighted(int64(n))
	d.mu.Unlock()
	d.signal()
}

// SetExecutionOrder switches between FIFO and LIFO admission.
func (d *Coordinator) SetExecutionOrder(order ExecutionOrder) {
	d.mu.Lock()
	d.cfg.ExecutionOrder = order
	d.mu.Unlock()
}

// SetHeader sets (or, with an empty value, removes) a default header applied
// to every request.
func (d *Coordinator) SetHeader(field, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Headers == nil {
		d.cfg.Headers = make(http.Header)
	}
	if value == "" {
		d.cfg.Headers.Del(field)
		return
	}
	d.cfg.Headers.Set(field, value)
}

// Header returns the default value for a header field.
func (d *Coordinator) Header(field string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Headers.Get(field)
}

// ActiveCount reports how many URLs currently have an active task.
func (d *Coordinator) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Close cancels everything and stops the dispatcher.
func (d *Coordinator) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.CancelAll()
	close(d.done)
	d.wg.Wait()
}

func (d *Coordinator) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Coordinator) notify(ev Event, url string) {
	d.mu.Lock()
	hooks := d.cfg.Hooks
	d.mu.Unlock()
	for _, hook := range hooks {
		hook(ev, url)
	}
}

// forget removes a task from the active map (identity-checked, so a newer
// task for the same URL is untouched) and from the pending queue.
func (d *Coordinator) forget(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.active[t.url]; ok && cur == t {
		delete(d.active, t.url)
	}
	for i, p := range d.pending {
		if p == t {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
}

// dispatch admits pending tasks to the worker pool as capacity frees up.
func (d *Coordinator) dispatch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		d.admit()
	}
}

func (d *Coordinator) admit() {
	for {
		d.mu.Lock()
		if d.suspended || len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}

		sem := d.sem
		if !sem.TryAcquire(1) {
			d.mu.Unlock()
			return
		}

		t := d.popNextLocked()
		d.mu.Unlock()

		if t == nil {
			sem.Release(1)
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			t.Run()
			sem.Release(1)
			d.forget(t)
			d.signal()
		}()
	}
}

// popNextLocked picks the next admissible task: highest priority first, then
// FIFO or LIFO among equals. Tasks already terminal (cancelled while queued)
// are dropped. Caller holds d.mu.
func (d *Coordinator) popNextLocked() *Task {
	best := -1
	for i, t := range d.pending {
		if t.State().terminal() {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		switch {
		case t.opts.Priority > d.pending[best].opts.Priority:
			best = i
		case t.opts.Priority == d.pending[best].opts.Priority && d.cfg.ExecutionOrder == LIFO:
			best = i
		}
	}

	if best == -1 {
		d.pending = nil
		return nil
	}

	t := d.pending[best]
	d.pending = append(d.pending[:best], d.pending[best+1:]...)
	return t
}

// headersLocked merges coordinator defaults, per-request headers and the
// header filter. Caller holds d.mu.
func (d *Coordinator) headersLocked(url string, opts Options) http.Header {
	headers := make(http.Header)
	headers.Set("Accept", "image/*;q=0.8")
	for k, vs := range d.cfg.Headers {
		headers[k] = append([]string(nil), vs...)
	}
	for k, vs := range opts.Headers {
		headers[k] = append([]string(nil), vs...)
	}
	if d.cfg.HeaderFilter != nil {
		if filtered := d.cfg.HeaderFilter(url, headers); filtered != nil {
			headers = filtered
		}
	}
	return headers
}

// clientLocked returns the transport client variant for the request options,
// building it on first use. Caller holds d.mu.
func (d *Coordinator) clientLocked(opts Options) *http.Client {
	key := clientKey{insecure: opts.AllowInvalidCertificates, cookies: opts.HandleCookies}
	if c, ok := d.clients[key]; ok {
		return c
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if key.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for testing
	}

	c := &http.Client{
		Timeout:   d.cfg.Timeout,
		Transport: transport,
	}
	if key.cookies {
		c.Jar = d.jar
	}

	d.clients[key] = c
	return c
}
