// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

var _ suture.Service = (*HTTPServerService)(nil)

// fakeServer blocks in ListenAndServe until Shutdown, unless listenErr is
// set.
type fakeServer struct {
	listenErr   error
	shutdownErr error
	started     chan struct{}
	stop        chan struct{}
	shutdowns   atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	if f.shutdowns.Add(1) == 1 {
		close(f.stop)
	}
	return f.shutdownErr
}

func TestNewHTTPServerService_Timeout(t *testing.T) {
	for _, in := range []time.Duration{0, -time.Second} {
		if got := NewHTTPServerService(newFakeServer(), in).shutdownTimeout; got != 10*time.Second {
			t.Errorf("timeout(%v) = %v, want 10s", in, got)
		}
	}
	if got := NewHTTPServerService(newFakeServer(), 3*time.Second).shutdownTimeout; got != 3*time.Second {
		t.Errorf("timeout = %v", got)
	}
}

func TestHTTPServerService_Serve(t *testing.T) {
	bind := errors.New("bind: address already in use")
	stuck := errors.New("shutdown deadline exceeded")
	tests := []struct {
		name        string
		listenErr   error
		shutdownErr error
		cancel      bool
		want        error
	}{
		{name: "graceful shutdown", cancel: true, want: context.Canceled},
		{name: "listen failure", listenErr: bind, want: bind},
		{name: "shutdown failure", shutdownErr: stuck, cancel: true, want: stuck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			srv.listenErr = tt.listenErr
			srv.shutdownErr = tt.shutdownErr
			svc := NewHTTPServerService(srv, time.Second)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- svc.Serve(ctx) }()

			<-srv.started
			if tt.cancel {
				cancel()
			}
			select {
			case err := <-errCh:
				if !errors.Is(err, tt.want) {
					t.Errorf("Serve = %v, want %v", err, tt.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Serve did not return")
			}
			if tt.cancel && srv.shutdowns.Load() != 1 {
				t.Errorf("shutdowns = %d, want 1", srv.shutdowns.Load())
			}
		})
	}
}

func TestHTTPServerService_UnderSupervisor(t *testing.T) {
	srv := newFakeServer()
	sup := suture.New("test", suture.Spec{FailureBackoff: 10 * time.Millisecond, Timeout: 2 * time.Second})
	sup.Add(NewHTTPServerService(srv, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)
	select {
	case <-srv.started:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	cancel()
	<-errCh
	if srv.shutdowns.Load() != 1 {
		t.Errorf("shutdowns = %d, want 1", srv.shutdowns.Load())
	}
}
