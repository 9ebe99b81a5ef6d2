// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/store"
)

type call struct {
	ev  models.LibraryEvent
	cid string
}

// scriptedHandler returns the scripted errors in order, then nil. errPanic
// makes it panic instead.
type scriptedHandler struct {
	mu     sync.Mutex
	script []error
	calls  []call
	seen   chan struct{}
}

var errPanic = errors.New("panic please")

func newScriptedHandler(script ...error) *scriptedHandler {
	return &scriptedHandler{script: script, seen: make(chan struct{}, 32)}
}

func (h *scriptedHandler) Process(ctx context.Context, ev models.LibraryEvent) error {
	h.mu.Lock()
	h.calls = append(h.calls, call{ev: ev, cid: logging.CorrelationIDFromContext(ctx)})
	var err error
	if len(h.script) > 0 {
		err = h.script[0]
		h.script = h.script[1:]
	}
	h.mu.Unlock()
	h.seen <- struct{}{}
	if errors.Is(err, errPanic) {
		panic("pipeline exploded")
	}
	return err
}

func (h *scriptedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *scriptedHandler) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.seen:
		case <-time.After(3 * time.Second):
			t.Fatalf("handler called %d times, want %d", h.count(), n)
		}
	}
}

func busConfig() config.EventBusConfig {
	return config.EventBusConfig{
		BufferSize:           16,
		RetryCount:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		CloseTimeout:         time.Second,
		DedupeTTL:            time.Minute,
	}
}

func startBus(t *testing.T, cfg config.EventBusConfig, h Handler) *Bus {
	t.Helper()
	b, err := New(cfg, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	select {
	case <-b.Running():
	case <-time.After(3 * time.Second):
		t.Fatal("bus did not start")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func ev(kind models.EventKind, id string) models.LibraryEvent {
	return models.LibraryEvent{Kind: kind, ItemID: id, Source: models.SourceWebhook}
}

func TestBus_DeliversWithCorrelationID(t *testing.T) {
	h := newScriptedHandler()
	b := startBus(t, busConfig(), h)

	ctx := logging.ContextWithCorrelationID(context.Background(), "abc12345")
	if err := b.Publish(ctx, ev(models.EventAdded, "m1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	h.wait(t, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.calls[0]; c.ev.ItemID != "m1" || c.ev.Kind != models.EventAdded || c.cid != "abc12345" {
		t.Errorf("call = %+v", c)
	}
}

func TestBus_RetriesStorageErrors(t *testing.T) {
	disk := fmt.Errorf("%w: locked", store.ErrStorage)
	tests := []struct {
		name      string
		script    []error
		wantCalls int
	}{
		{name: "recovers", script: []error{disk, disk}, wantCalls: 3},
		{name: "exhausted", script: []error{disk, disk, disk, disk}, wantCalls: 3},
		{name: "non-storage not retried", script: []error{errors.New("boom")}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScriptedHandler(tt.script...)
			b := startBus(t, busConfig(), h)
			if err := b.Publish(context.Background(), ev(models.EventAdded, "m1")); err != nil {
				t.Fatal(err)
			}
			h.wait(t, tt.wantCalls)
			time.Sleep(100 * time.Millisecond)
			if got := h.count(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestBus_DropsDuplicates(t *testing.T) {
	h := newScriptedHandler()
	b := startBus(t, busConfig(), h)
	ctx := context.Background()

	for _, e := range []models.LibraryEvent{
		ev(models.EventAdded, "m1"),
		ev(models.EventAdded, "m1"),
		ev(models.EventDeleted, "m1"),
	} {
		if err := b.Publish(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	h.wait(t, 2)
	time.Sleep(100 * time.Millisecond)
	if got := h.count(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestBus_AbandonedEventCanBeResent(t *testing.T) {
	disk := fmt.Errorf("%w: locked", store.ErrStorage)
	h := newScriptedHandler(disk, disk, disk)
	b := startBus(t, busConfig(), h)
	ctx := context.Background()

	if err := b.Publish(ctx, ev(models.EventAdded, "m1")); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 3)
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, ev(models.EventAdded, "m1")); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 1)
}

func TestBus_RecoversFromPanic(t *testing.T) {
	h := newScriptedHandler(errPanic)
	b := startBus(t, busConfig(), h)
	ctx := context.Background()

	if err := b.Publish(ctx, ev(models.EventAdded, "boom")); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 1)
	if err := b.Publish(ctx, ev(models.EventAdded, "next")); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 1)
}

func TestBus_PublishBeforeRun(t *testing.T) {
	b, err := New(busConfig(), newScriptedHandler())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), ev(models.EventAdded, "m1")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Publish = %v, want ErrNotRunning", err)
	}
}

func TestHandle_MalformedPayloadAcked(t *testing.T) {
	h := newScriptedHandler()
	b, err := New(busConfig(), h)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.handle(message.NewMessage("bad", []byte("{"))); err != nil {
		t.Errorf("handle = %v, want nil", err)
	}
	if h.count() != 0 {
		t.Error("handler called for malformed payload")
	}
}
