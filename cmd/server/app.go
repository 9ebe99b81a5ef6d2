// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/tomtom215/herald/internal/api"
	"github.com/tomtom215/herald/internal/catalog"
	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/deadletter"
	"github.com/tomtom215/herald/internal/delivery"
	"github.com/tomtom215/herald/internal/detector"
	"github.com/tomtom215/herald/internal/enrich"
	"github.com/tomtom215/herald/internal/eventprocessor"
	"github.com/tomtom215/herald/internal/librarysync"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/pipeline"
	"github.com/tomtom215/herald/internal/routing"
	"github.com/tomtom215/herald/internal/store"
	"github.com/tomtom215/herald/internal/supervisor"
	"github.com/tomtom215/herald/internal/supervisor/services"
	ws "github.com/tomtom215/herald/internal/websocket"
)

// app holds every long-lived component. It is built once by newApp, then
// registered with the supervisor tree.
type app struct {
	store    *store.Store
	archive  *deadletter.Archive
	renderer *delivery.TemplateRenderer
	manager  *delivery.Manager
	router   *routing.Router
	detector *detector.Detector
	pipeline *pipeline.Pipeline
	bus      *eventprocessor.Bus
	syncer   *librarysync.Syncer
	listener *catalog.Listener
	hub      *ws.Hub
	server   *http.Server

	mu  sync.Mutex // guards cfg across reloads
	cfg *config.Config

	closeOnce sync.Once
}

// newApp opens the stores and builds the component graph. Nothing runs
// until the supervisor tree is served.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(ctx, store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		MaxReaders:  cfg.Database.MaxReaders,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open item store: %w", err)
	}
	logging.Info().Str("path", cfg.Database.Path).Msg("Item store opened")

	var archiver delivery.Archiver
	if cfg.DeadLetter.Enabled {
		a.archive, err = deadletter.Open(deadletter.Config{
			Path:       cfg.DeadLetter.Path,
			InMemory:   cfg.DeadLetter.InMemory,
			Retention:  cfg.DeadLetter.Retention,
			GCInterval: cfg.DeadLetter.GCInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open dead-letter archive: %w", err)
		}
		archiver = a.archive
	} else {
		logging.Info().Msg("Dead-letter archive disabled, failed deliveries are only logged")
	}

	a.renderer, err = delivery.NewTemplateRenderer(cfg.Templates.Dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	a.manager = delivery.NewManager(cfg.Queue, cfg.Routing.Destinations,
		delivery.NewDiscordSender(cfg.Queue.SendTimeout), a.renderer, archiver)
	a.router = routing.New(&cfg.Routing, a.manager)

	jellyfin := catalog.NewJellyfinClient(cfg.Jellyfin, cfg.Detector.SupportedKinds)
	client := catalog.NewBreakerClient(jellyfin, catalog.BreakerSettings{})

	a.hub = ws.NewHub(cfg.Security.CORSOrigins)

	a.detector = detector.New(a.store, cfg.Detector)
	a.pipeline = pipeline.New(pipeline.Deps{
		Store:    a.store,
		Catalog:  client,
		Detector: a.detector,
		Enricher: enrich.New(cfg.Enrichment),
		Notifier: streamingNotifier{next: a.router, hub: a.hub},
	}, cfg.Disambiguator.GraceWindow)

	a.bus, err = eventprocessor.New(cfg.EventBus, a.pipeline)
	if err != nil {
		return nil, err
	}

	if cfg.Sync.Enabled {
		a.syncer, err = librarysync.New(cfg.Sync, client, a.pipeline, a.store)
		if err != nil {
			return nil, err
		}
		a.syncer.SetOnSweepCompleted(func(r librarysync.Report) {
			a.hub.BroadcastJSON(ws.MessageTypeSweepCompleted, r)
		})
	}

	if cfg.Jellyfin.RealtimeEnabled {
		wsURL, werr := jellyfin.GetWebSocketURL()
		if werr != nil {
			return nil, fmt.Errorf("failed to build Jellyfin websocket URL: %w", werr)
		}
		a.listener = catalog.NewListener(wsURL, a.publishRealtime)
	}

	a.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           a.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       2 * cfg.Server.Timeout,
	}
	return a, nil
}

// httpHandler builds the chi router. Optional collaborators stay nil
// interfaces so their endpoints answer 503.
func (a *app) httpHandler() http.Handler {
	deps := api.Deps{
		Publisher:     a.bus,
		Items:         a.store,
		Routing:       a.router,
		Queues:        a.manager,
		Pending:       a.pipeline.Disambiguator(),
		Replayer:      a.manager,
		Stream:        a.hub,
		WebhookSecret: a.cfg.Security.WebhookSecret,
		Version:       version,
	}
	if a.syncer != nil {
		deps.Sweeper = a.syncer
	}
	if a.archive != nil {
		deps.DeadLetters = a.archive
	}
	mw := api.NewChiMiddleware(api.ChiMiddlewareConfigFromSecurity(a.cfg.Security))
	return api.NewRouter(api.NewHandler(deps), mw).SetupChi()
}

// register adds every component to its supervisor layer. The bus and the
// delivery manager hold in-memory state that a restart would lose, so their
// failure takes the process down.
func (a *app) register(tree *supervisor.SupervisorTree) {
	if a.archive != nil {
		tree.AddDataService(services.NewRunnerService(a.archive))
	}

	tree.AddMessagingService(services.NewRunnerService(a.bus, services.Critical()))
	tree.AddMessagingService(services.NewRunnerService(a.manager, services.Critical()))
	tree.AddMessagingService(services.NewRunnerService(a.router))
	tree.AddMessagingService(services.NewRunnerService(a.pipeline.Disambiguator()))
	tree.AddMessagingService(services.NewRunnerService(a.hub))
	if a.syncer != nil {
		tree.AddMessagingService(services.NewRunnerService(a.syncer))
	}
	if a.listener != nil {
		tree.AddMessagingService(services.NewRunnerService(a.listener))
	}
	if a.cfg.Templates.Watch && a.cfg.Templates.Dir != "" {
		tree.AddMessagingService(services.NewRunnerService(
			services.RunFunc(a.renderer.Watch), services.WithName("template-watcher")))
	}

	tree.AddAPIService(services.NewHTTPServerService(a.server, a.cfg.Server.ShutdownTimeout))
}

// streamingNotifier routes a notification and mirrors it to the live
// stream, whether or not a destination took it.
type streamingNotifier struct {
	next pipeline.Notifier
	hub  *ws.Hub
}

func (s streamingNotifier) Route(n models.Notification) error {
	s.hub.BroadcastNotification(n)
	return s.next.Route(n)
}

// publishRealtime hands a websocket event to the bus under a fresh
// correlation id.
func (a *app) publishRealtime(ev models.LibraryEvent) {
	ctx := logging.ContextWithCorrelationID(context.Background(), logging.GenerateCorrelationID())
	if err := a.bus.Publish(ctx, ev); err != nil {
		reason := "error"
		if errors.Is(err, eventprocessor.ErrNotRunning) {
			reason = "not_running"
		}
		logging.Ctx(ctx).Warn().Err(err).Str("item_id", ev.ItemID).Str("reason", reason).
			Msg("Dropped websocket event")
	}
}

// applyConfig applies the hot-reloadable parts of next. Queues are reloaded
// before routing so a newly declared destination exists before anything is
// routed to it.
func (a *app) applyConfig(next *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.cfg

	logging.SetLevelString(next.Logging.Level)
	a.detector.UpdateConfig(next.Detector)
	a.pipeline.Disambiguator().SetGraceWindow(next.Disambiguator.GraceWindow)
	a.manager.Reload(next.Routing.Destinations)
	a.router.Reload(&next.Routing)

	for _, section := range restartOnly(prev, next) {
		logging.Warn().Str("section", section).Msg("Configuration change needs a restart to take effect")
	}
	a.cfg = next
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	logging.Info().Int("destinations", len(next.Routing.Destinations)).Msg("Configuration reloaded")
}

// restartOnly names the sections that differ between prev and next but are
// only read at startup.
func restartOnly(prev, next *config.Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("server", prev.Server, next.Server)
	check("database", prev.Database, next.Database)
	check("jellyfin", prev.Jellyfin, next.Jellyfin)
	check("queue", prev.Queue, next.Queue)
	check("sync", prev.Sync, next.Sync)
	check("enrichment", prev.Enrichment, next.Enrichment)
	check("templates", prev.Templates, next.Templates)
	check("deadletter", prev.DeadLetter, next.DeadLetter)
	check("eventbus", prev.EventBus, next.EventBus)
	check("security", prev.Security, next.Security)
	return out
}

// Close releases the stores. Safe on a partially built app and safe to call
// more than once.
func (a *app) Close() {
	a.closeOnce.Do(a.close)
}

func (a *app) close() {
	if a.pipeline != nil {
		a.pipeline.Disambiguator().Stop()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing dead-letter archive")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing item store")
		}
	}
}
