// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer is the part of *http.Server the service needs.
//
// Tests substitute a fake that records Shutdown calls or makes
// ListenAndServe fail on demand; production passes the *http.Server built
// in cmd/server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server until its context is canceled,
// then shuts it down gracefully.
//
// ListenAndServe blocks and knows nothing about contexts, so Serve runs it
// on its own goroutine and waits for whichever comes first:
//
//  1. The listener fails (port in use, bad address). The error is returned
//     and suture restarts the service with backoff.
//  2. The context is canceled. Shutdown stops accepting connections and
//     waits up to the shutdown timeout for in-flight requests, including
//     webhook deliveries that are still being acknowledged.
//
// Hijacked connections (the live stream) are not tracked by Shutdown; the
// stream hub closes those itself.
//
//	server := &http.Server{Addr: ":8095", Handler: router.SetupChi()}
//	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server. A non-positive shutdownTimeout means
// 10s. cmd/server passes server.shutdown_timeout and sizes the supervisor's
// own shutdown budget to cover it.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service.
//
// It returns ctx.Err() after a graceful shutdown and a wrapped error when
// the server fails or Shutdown times out. http.ErrServerClosed is the
// normal result of Shutdown and is not reported.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already canceled; shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}
