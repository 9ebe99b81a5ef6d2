// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package services

import (
	"context"
	"fmt"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/herald/internal/logging"
)

// Runner is a component that blocks in Run until ctx is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerOption configures a RunnerService.
type RunnerOption func(*RunnerService)

// WithName overrides the service name. By default the runner's String()
// is used when it has one.
func WithName(name string) RunnerOption {
	return func(s *RunnerService) { s.name = name }
}

// Critical marks a runner that cannot be restarted in place. When it
// fails, the whole tree is terminated so the process exits and its
// orchestrator restarts it.
func Critical() RunnerOption {
	return func(s *RunnerService) { s.critical = true }
}

// RunnerService wraps a Runner as a supervised service.
//
// A Run that returns nil before ctx is canceled has finished its work and
// is not restarted. An error return is restarted by suture with backoff,
// unless the runner is Critical.
type RunnerService struct {
	runner   Runner
	name     string
	critical bool
}

// NewRunnerService wraps r.
func NewRunnerService(r Runner, opts ...RunnerOption) *RunnerService {
	s := &RunnerService{runner: r, name: "runner"}
	if st, ok := r.(fmt.Stringer); ok {
		s.name = st.String()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err == nil:
		logging.Debug().Str("service", s.name).Msg("Service finished")
		return suture.ErrDoNotRestart
	case s.critical:
		logging.Error().Err(err).Str("service", s.name).Msg("Critical service failed, stopping")
		return suture.ErrTerminateSupervisorTree
	default:
		return fmt.Errorf("%s: %w", s.name, err)
	}
}

// String implements fmt.Stringer for suture's logs.
func (s *RunnerService) String() string {
	return s.name
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context) error

// Run calls f.
func (f RunFunc) Run(ctx context.Context) error {
	return f(ctx)
}
