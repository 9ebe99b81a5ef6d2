// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/herald/internal/logging"
)

// countingService blocks until canceled and counts starts and stops.
type countingService struct {
	name    string
	starts  atomic.Int32
	stops   atomic.Int32
	failFor atomic.Int32
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.failFor.Add(-1) >= 0 {
		return errors.New("induced failure")
	}
	<-ctx.Done()
	s.stops.Add(1)
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewSupervisorTree_Defaults(t *testing.T) {
	tree := NewSupervisorTree(logging.NewSlogLogger(), TreeConfig{})
	if tree.config != DefaultTreeConfig() {
		t.Errorf("config = %+v, want defaults", tree.config)
	}

	custom := TreeConfig{FailureThreshold: 2, FailureDecay: 1, FailureBackoff: time.Second, ShutdownTimeout: time.Second}
	if got := NewSupervisorTree(logging.NewSlogLogger(), custom).config; got != custom {
		t.Errorf("config = %+v, want %+v", got, custom)
	}
}

func TestSupervisorTree_RunsEveryLayer(t *testing.T) {
	tree := NewSupervisorTree(logging.NewSlogLogger(), TreeConfig{ShutdownTimeout: time.Second})
	svcs := []*countingService{{name: "data"}, {name: "messaging"}, {name: "api"}}
	tree.AddDataService(svcs[0])
	tree.AddMessagingService(svcs[1])
	tree.AddAPIService(svcs[2])

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	waitFor(t, "services to start", func() bool {
		for _, s := range svcs {
			if s.starts.Load() == 0 {
				return false
			}
		}
		return true
	})

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	for _, s := range svcs {
		if s.stops.Load() != 1 {
			t.Errorf("%s stops = %d, want 1", s.name, s.stops.Load())
		}
	}
	if report, err := tree.UnstoppedServiceReport(); err != nil || len(report) != 0 {
		t.Errorf("unstopped = %v, %v", report, err)
	}
}

func TestSupervisorTree_RestartsFailedService(t *testing.T) {
	tree := NewSupervisorTree(logging.NewSlogLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	flaky := &countingService{name: "flaky"}
	flaky.failFor.Store(2)
	steady := &countingService{name: "steady"}
	tree.AddMessagingService(flaky)
	tree.AddAPIService(steady)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	waitFor(t, "flaky restarts", func() bool { return flaky.starts.Load() >= 3 })

	if steady.starts.Load() != 1 {
		t.Errorf("steady starts = %d, a sibling failure must not restart it", steady.starts.Load())
	}
	cancel()
	<-errCh
}

func TestSupervisorTree_TerminatesOnRequest(t *testing.T) {
	tree := NewSupervisorTree(logging.NewSlogLogger(), TreeConfig{ShutdownTimeout: time.Second})
	tree.AddMessagingService(terminator{})

	errCh := tree.ServeBackground(context.Background())
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree kept running after ErrTerminateSupervisorTree")
	}
}

type terminator struct{}

func (terminator) Serve(context.Context) error { return suture.ErrTerminateSupervisorTree }
