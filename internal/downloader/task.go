package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/webimg/webimg/internal/codec"
)

// State is a download task's lifecycle state. Terminal states are final.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type registration struct {
	progress   ProgressFunc
	completion CompletionFunc
}

// taskConfig carries the coordinator-resolved pieces a task needs: the
// transport client variant, default headers already merged and filtered, and
// the credential offered on an auth failure.
type taskConfig struct {
	client   *http.Client
	engine   codec.Engine
	headers  http.Header
	username string
	password string
	notify   func(Event, string)
}

// Task is one in-flight fetch of one URL. Many logical requests share a task
// through registrations; each registration is independently cancellable and
// cancelling the last one tears the whole task down.
type Task struct {
	url  string
	opts Options
	tc   taskConfig
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	regs     map[uuid.UUID]registration
	buf      []byte
	expected int64

	decodeCh chan []byte
	decodeWG sync.WaitGroup
}

func newTask(url string, opts Options, tc taskConfig) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		url:      url,
		opts:     opts,
		tc:       tc,
		log:      slog.Default().With("component", "download-task", "url", url),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateCreated,
		regs:     make(map[uuid.UUID]registration),
		expected: -1,
	}
}

// URL returns the task's resource URL.
func (t *Task) URL() string {
	return t.url
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddRegistration attaches a progress/completion pair to a fresh task. The
// returned id is only useful for Cancel.
func (t *Task) AddRegistration(progress ProgressFunc, completion CompletionFunc) uuid.UUID {
	id := uuid.New()
	t.mu.Lock()
	t.regs[id] = registration{progress: progress, completion: completion}
	t.mu.Unlock()
	return id
}

// tryAddRegistration attaches a registration to an in-flight task (the dedup
// late-joiner case). The terminal check and the attach happen under one lock
// acquisition, so a registration can never land on a task whose completions
// already fired; such a join reports false and the caller starts over.
func (t *Task) tryAddRegistration(progress ProgressFunc, completion CompletionFunc) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return uuid.UUID{}, false
	}
	id := uuid.New()
	t.regs[id] = registration{progress: progress, completion: completion}
	return id, true
}

// Cancel removes one registration. When the last registration goes, the
// task itself is cancelled and the transport aborted; the return value
// reports whether that teardown happened.
func (t *Task) Cancel(id uuid.UUID) bool {
	t.mu.Lock()
	if _, ok := t.regs[id]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.regs, id)
	empty := len(t.regs) == 0
	t.mu.Unlock()

	if !empty {
		return false
	}
	return t.teardown()
}

// teardown moves the task to Cancelled (unless already terminal) and aborts
// the transport. Completion callbacks are deliberately not invoked:
// cancellation is a state, not an error.
func (t *Task) teardown() bool {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = StateCancelled
	t.mu.Unlock()

	t.cancel()
	t.emit(EventStopped)
	return true
}

func (t *Task) emit(ev Event) {
	if t.tc.notify != nil {
		t.tc.notify(ev, t.url)
	}
}

// Run executes the transfer and blocks until the task reaches a terminal
// state. It must be called at most once.
func (t *Task) Run() {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.mu.Unlock()

	t.emit(EventStarted)
	t.fanoutProgress(0, -1)

	resp, err := t.openResponse()
	if err != nil {
		if t.ctx.Err() != nil {
			t.finishCancelled()
			return
		}
		t.fail(err)
		return
	}
	defer resp.Body.Close()

	t.emit(EventResponseReceived)

	if resp.StatusCode >= 400 {
		t.fail(&InvalidResponseError{StatusCode: resp.StatusCode})
		return
	}
	if resp.StatusCode == http.StatusNotModified {
		// Only acceptable as a confirmation of a body we already hold.
		if len(t.opts.CachedData) == 0 {
			t.fail(&InvalidResponseError{StatusCode: resp.StatusCode})
			return
		}
		t.completeUnchanged()
		return
	}

	t.mu.Lock()
	t.expected = resp.ContentLength
	expected := t.expected
	t.mu.Unlock()

	progressive := t.opts.Progressive && expected > 0
	if progressive {
		t.startProgressiveDecoder()
	}

	if err := t.readBody(resp.Body, expected, progressive); err != nil {
		t.stopProgressiveDecoder()
		if t.ctx.Err() != nil {
			t.finishCancelled()
			return
		}
		t.fail(fmt.Errorf("transport failure: %w", err))
		return
	}

	t.stopProgressiveDecoder()
	t.complete()
}

// openResponse issues the request, re-issuing it once with basic auth when
// the server answers 401 and a credential is configured.
func (t *Task) openResponse() (*http.Response, error) {
	req, err := t.buildRequest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskCreation, err)
	}

	resp, err := t.tc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport failure: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && t.tc.username != "" {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		req, err = t.buildRequest()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTaskCreation, err)
		}
		req.SetBasicAuth(t.tc.username, t.tc.password)

		resp, err = t.tc.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("transport failure: %w", err)
		}
	}

	return resp, nil
}

func (t *Task) buildRequest() (*http.Request, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range t.tc.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	return req, nil
}

func (t *Task) readBody(body io.Reader, expected int64, progressive bool) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, chunk[:n]...)
			received := int64(len(t.buf))
			t.mu.Unlock()

			t.fanoutProgress(received, expected)

			if progressive && (expected <= 0 || received < expected) {
				t.offerPartial()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// startProgressiveDecoder spins up the per-task serial decode goroutine so
// CPU-bound decoding never blocks the transfer.
func (t *Task) startProgressiveDecoder() {
	t.decodeCh = make(chan []byte, 1)
	t.decodeWG.Add(1)
	go func() {
		defer t.decodeWG.Done()
		for snapshot := range t.decodeCh {
			img, err := t.tc.engine.IncrementalDecode(snapshot, false)
			if err != nil || img == nil {
				continue
			}
			for _, cb := range t.runningCompletions() {
				cb(img, nil, nil, false)
			}
		}
	}()
}

// offerPartial hands the decoder a snapshot of the bytes so far, dropping
// the update when the decoder is still busy with the previous one.
func (t *Task) offerPartial() {
	t.mu.Lock()
	snapshot := append([]byte(nil), t.buf...)
	t.mu.Unlock()

	select {
	case t.decodeCh <- snapshot:
	default:
	}
}

func (t *Task) stopProgressiveDecoder() {
	if t.decodeCh == nil {
		return
	}
	close(t.decodeCh)
	t.decodeWG.Wait()
	t.decodeCh = nil
}

// runningCompletions snapshots completion callbacks, but only while the task
// is still running; partial results never outlive the final callback.
func (t *Task) runningCompletions() []CompletionFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return nil
	}
	cbs := make([]CompletionFunc, 0, len(t.regs))
	for _, r := range t.regs {
		if r.completion != nil {
			cbs = append(cbs, r.completion)
		}
	}
	return cbs
}

func (t *Task) fanoutProgress(received, expected int64) {
	t.mu.Lock()
	cbs := make([]ProgressFunc, 0, len(t.regs))
	for _, r := range t.regs {
		if r.progress != nil {
			cbs = append(cbs, r.progress)
		}
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(received, expected)
	}
}

// takeCompletions drains all registrations and returns their completion
// callbacks; every registration fires exactly once then is cleared.
func (t *Task) takeCompletions(next State) []CompletionFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return nil
	}
	t.state = next

	cbs := make([]CompletionFunc, 0, len(t.regs))
	for _, r := range t.regs {
		if r.completion != nil {
			cbs = append(cbs, r.completion)
		}
	}
	t.regs = make(map[uuid.UUID]registration)
	return cbs
}

func (t *Task) fail(err error) {
	cbs := t.takeCompletions(StateFailed)
	for _, cb := range cbs {
		cb(nil, nil, err, true)
	}
	t.log.Debug("download failed", "err", err)
	t.emit(EventStopped)
}

func (t *Task) finishCancelled() {
	t.mu.Lock()
	if !t.state.terminal() {
		t.state = StateCancelled
		t.mu.Unlock()
		t.emit(EventStopped)
		return
	}
	t.mu.Unlock()
}

// completeUnchanged finishes a transfer whose body is already in the
// caller's hands: callbacks fire with no image and no data.
func (t *Task) completeUnchanged() {
	cbs := t.takeCompletions(StateCompleted)
	for _, cb := range cbs {
		cb(nil, nil, nil, true)
	}
	t.emit(EventStopped)
	t.emit(EventFinished)
}

func (t *Task) complete() {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	data := t.buf
	hasCompletion := false
	for _, r := range t.regs {
		if r.completion != nil {
			hasCompletion = true
			break
		}
	}
	t.mu.Unlock()

	// No consumer to serve: skip the decode entirely.
	if !hasCompletion {
		t.takeCompletions(StateCompleted)
		t.emit(EventStopped)
		t.emit(EventFinished)
		return
	}

	if t.opts.IgnoreCachedResponse && len(t.opts.CachedData) > 0 && bytes.Equal(data, t.opts.CachedData) {
		t.completeUnchanged()
		return
	}

	img, err := t.tc.engine.Decode(data)
	if err != nil || img == nil || img.Bounds().Empty() {
		derr := ErrDecodeFailed
		if err != nil {
			derr = fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		cbs := t.takeCompletions(StateFailed)
		for _, cb := range cbs {
			cb(nil, nil, derr, true)
		}
		t.emit(EventStopped)
		return
	}

	cbs := t.takeCompletions(StateCompleted)
	for _, cb := range cbs {
		cb(img, data, nil, true)
	}
	t.emit(EventStopped)
	t.emit(EventFinished)
}
