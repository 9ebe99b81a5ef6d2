// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/deadletter"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// scriptedSender returns results from script in order, repeating the last.
type scriptedSender struct {
	mu       sync.Mutex
	script   []Result
	calls    []time.Time
	payloads []string
	called   chan struct{}
}

func newScriptedSender(script ...Result) *scriptedSender {
	return &scriptedSender{script: script, called: make(chan struct{}, 64)}
}

func (s *scriptedSender) Send(_ context.Context, _ string, payload []byte) Result {
	s.mu.Lock()
	i := len(s.calls)
	s.calls = append(s.calls, time.Now())
	s.payloads = append(s.payloads, string(payload))
	r := s.script[len(s.script)-1]
	if i < len(s.script) {
		r = s.script[i]
	}
	s.mu.Unlock()
	s.called <- struct{}{}
	if r.RateLimitRemaining == 0 && r.RateLimitReset == 0 {
		r.RateLimitRemaining = -1
	}
	return r
}

func (s *scriptedSender) times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

func (s *scriptedSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

type fakeArchive struct {
	mu      sync.Mutex
	entries []deadletter.Entry
	added   chan struct{}
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{added: make(chan struct{}, 16)}
}

func (a *fakeArchive) Add(_ context.Context, e deadletter.Entry) (string, error) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	n := len(a.entries)
	a.mu.Unlock()
	a.added <- struct{}{}
	return fmt.Sprintf("entry-%d", n), nil
}

func (a *fakeArchive) all() []deadletter.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]deadletter.Entry(nil), a.entries...)
}

// idRenderer renders {"id": "<first item id>"}.
type idRenderer struct{}

func (idRenderer) Render(rc *RenderContext) ([]byte, error) {
	return json.Marshal(map[string]string{"id": rc.Notifications[0].Item.ID})
}

type brokenRenderer struct{}

func (brokenRenderer) Render(*RenderContext) ([]byte, error) {
	return nil, fmt.Errorf("%w: unknown field", ErrTemplate)
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Capacity:     10,
		MaxAttempts:  3,
		BackoffBase:  30 * time.Millisecond,
		BackoffMax:   time.Second,
		DrainTimeout: time.Second,
		SendTimeout:  time.Second,
	}
}

func testTask(id string) *Task {
	return NewTask("", []models.Notification{{Decision: models.DecisionNew, Item: models.MediaItem{ID: id, Kind: "Movie", Name: id}}})
}

func startQueue(t *testing.T, q *Queue) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("queue did not stop")
		}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for signal %d of %d", i+1, n)
		}
	}
}

func TestQueue_ThreeAttemptsThenFailed(t *testing.T) {
	sender := newScriptedSender(Result{ErrorCode: ErrorCodeServerError, ErrorMessage: "boom", IsTransient: true, ResponseCode: 500})
	archive := newFakeArchive()
	dest := config.DestinationConfig{ID: "retry-dest", URL: "http://sink.test", Enabled: true}
	q := NewQueue(dest, testQueueConfig(), sender, idRenderer{}, archive)

	if err := q.Enqueue(testTask("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stop := startQueue(t, q)
	defer stop()

	waitSignal(t, archive.added, 1)

	calls := sender.times()
	if len(calls) != 3 {
		t.Fatalf("attempts = %d, want 3", len(calls))
	}
	first, second := calls[1].Sub(calls[0]), calls[2].Sub(calls[1])
	if first < 30*time.Millisecond {
		t.Errorf("first retry delay %v shorter than backoff base", first)
	}
	if second <= first {
		t.Errorf("delays not increasing: %v then %v", first, second)
	}

	st := q.Stats()
	if st.Failed != 1 || st.Retried != 2 || st.Sent != 0 || st.Depth != 0 {
		t.Errorf("stats = %+v", st)
	}
	entries := archive.all()
	if len(entries) != 1 || entries[0].Attempts != 3 || entries[0].ErrorCode != ErrorCodeServerError {
		t.Errorf("archived = %+v", entries)
	}
	if got := testutil.ToFloat64(metrics.TasksFailed.WithLabelValues("retry-dest", "attempts")); got != 1 {
		t.Errorf("failed metric = %v, want 1", got)
	}
}

func TestQueue_RateLimitPauseIsNotAnAttempt(t *testing.T) {
	retry := 60 * time.Millisecond
	sender := newScriptedSender(
		Result{ResponseCode: 429, ErrorCode: ErrorCodeRateLimited, IsTransient: true, RetryAfter: &retry},
		Result{Success: true, ResponseCode: 204},
	)
	cfg := testQueueConfig()
	cfg.MaxAttempts = 1
	q := NewQueue(config.DestinationConfig{ID: "ratelimited", URL: "http://sink.test", Enabled: true}, cfg, sender, idRenderer{}, nil)
	if err := q.Enqueue(testTask("a")); err != nil {
		t.Fatal(err)
	}
	stop := startQueue(t, q)
	defer stop()

	waitSignal(t, sender.called, 2)
	// Let the success be recorded.
	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Sent == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	calls := sender.times()
	if gap := calls[1].Sub(calls[0]); gap < retry-5*time.Millisecond {
		t.Errorf("resent after %v, want at least %v", gap, retry)
	}
	st := q.Stats()
	if st.Sent != 1 || st.Failed != 0 || st.Retried != 0 || st.RateLimitHits != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueue_OverflowRejectsNewAndKeepsOrder(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 3
	q := NewQueue(config.DestinationConfig{ID: "overflow", URL: "http://sink.test", Enabled: true}, cfg, newScriptedSender(Result{Success: true}), idRenderer{}, nil)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(testTask(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if err := q.Enqueue(testTask("d")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue over capacity = %v, want ErrQueueFull", err)
	}

	var order []string
	for _, task := range q.Snapshot() {
		order = append(order, task.Notifications[0].Item.ID)
	}
	if fmt.Sprint(order) != "[a b c]" {
		t.Errorf("queued order = %v, want [a b c]", order)
	}
	if st := q.Stats(); st.Dropped != 1 || st.Depth != 3 || st.Queued != 3 {
		t.Errorf("stats = %+v", st)
	}
	if got := testutil.ToFloat64(metrics.TasksDropped.WithLabelValues("overflow")); got != 1 {
		t.Errorf("dropped metric = %v, want 1", got)
	}
}

func TestQueue_SendsInEnqueueOrder(t *testing.T) {
	sender := newScriptedSender(Result{Success: true, ResponseCode: 204})
	q := NewQueue(config.DestinationConfig{ID: "fifo", URL: "http://sink.test", Enabled: true}, testQueueConfig(), sender, idRenderer{}, nil)
	ids := []string{"1", "2", "3", "4", "5"}
	for _, id := range ids {
		if err := q.Enqueue(testTask(id)); err != nil {
			t.Fatal(err)
		}
	}
	stop := startQueue(t, q)
	defer stop()
	waitSignal(t, sender.called, len(ids))

	for i, p := range sender.sent() {
		want := fmt.Sprintf(`{"id":"%s"}`, ids[i])
		if p != want {
			t.Errorf("send %d = %s, want %s", i, p, want)
		}
	}
}

func TestQueue_RateLimitWindowNeverExceeded(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	got := make(chan struct{}, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		got <- struct{}{}
	}))
	defer srv.Close()

	const (
		requests = 3
		period   = 300 * time.Millisecond
		total    = 10
	)
	dest := config.DestinationConfig{
		ID: "window", URL: srv.URL, Enabled: true,
		RateLimit: config.RateLimitConfig{Requests: requests, Period: period},
	}
	cfg := testQueueConfig()
	cfg.Capacity = 50
	q := NewQueue(dest, cfg, NewDiscordSender(time.Second), idRenderer{}, nil)
	for i := 0; i < total; i++ {
		if err := q.Enqueue(testTask(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	stop := startQueue(t, q)
	defer stop()
	waitSignal(t, got, total)

	mu.Lock()
	defer mu.Unlock()
	// Allow for scheduling jitter on the receiving side.
	window := period - 50*time.Millisecond
	for i := range hits {
		n := 0
		for j := i; j < len(hits) && hits[j].Sub(hits[i]) < window; j++ {
			n++
		}
		if n > requests {
			t.Fatalf("%d sends within %v starting at send %d, limit %d", n, window, i, requests)
		}
	}
}

func TestQueue_TemplateErrorIsTerminal(t *testing.T) {
	sender := newScriptedSender(Result{Success: true})
	archive := newFakeArchive()
	q := NewQueue(config.DestinationConfig{ID: "broken-template", URL: "http://sink.test", Enabled: true}, testQueueConfig(), sender, brokenRenderer{}, archive)
	if err := q.Enqueue(testTask("a")); err != nil {
		t.Fatal(err)
	}
	stop := startQueue(t, q)
	defer stop()
	waitSignal(t, archive.added, 1)

	if n := len(sender.times()); n != 0 {
		t.Errorf("sender called %d times, want 0", n)
	}
	st := q.Stats()
	if st.Failed != 1 || st.Retried != 0 {
		t.Errorf("stats = %+v", st)
	}
	if e := archive.all()[0]; e.ErrorCode != ErrorCodeTemplate || e.Attempts != 0 {
		t.Errorf("archived = %+v", e)
	}
}

func TestQueue_ShutdownDrainsReadyTasks(t *testing.T) {
	sender := newScriptedSender(Result{Success: true, ResponseCode: 204})
	q := NewQueue(config.DestinationConfig{ID: "drain", URL: "http://sink.test", Enabled: true}, testQueueConfig(), sender, idRenderer{}, nil)
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(testTask(id)); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(sender.times()); n != 2 {
		t.Errorf("sent %d during drain, want 2", n)
	}
	if err := q.Enqueue(testTask("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrQueueClosed", err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	// Worst-case jitter on one step still stays below the next step.
	high := Backoff{Base: time.Second, Max: time.Hour, Jitter: 1, rand: func() float64 { return 0.999 }}
	for attempt := 1; attempt <= 3; attempt++ {
		if got, next := high.Delay(attempt), b.Delay(attempt+1); got >= next {
			t.Errorf("jittered Delay(%d) = %v, not below Delay(%d) = %v", attempt, got, attempt+1, next)
		}
	}
}

func TestQueue_DrainFailureKeepsAttemptCount(t *testing.T) {
	sender := newScriptedSender(Result{ResponseCode: 502, ErrorCode: ErrorCodeServerError, IsTransient: true, ErrorMessage: "bad gateway"})
	archive := newFakeArchive()
	q := NewQueue(config.DestinationConfig{ID: "drain-fail", URL: "http://sink.test", Enabled: true}, testQueueConfig(), sender, idRenderer{}, archive)
	if err := q.Enqueue(testTask("a")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitSignal(t, archive.added, 1)

	if n := len(sender.times()); n != 1 {
		t.Errorf("sent %d times during drain, want 1", n)
	}
	if e := archive.all()[0]; e.Attempts != 1 {
		t.Errorf("archived attempts = %d, want 1", e.Attempts)
	}
}
