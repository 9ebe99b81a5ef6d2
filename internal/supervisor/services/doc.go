// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package services adapts Herald components to suture.Service.
//
//   - HTTPServerService: ListenAndServe plus graceful Shutdown
//   - RunnerService: any component with Run(ctx) error
package services
