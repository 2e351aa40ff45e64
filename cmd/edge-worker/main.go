// Package main is the entry point for the Cyrus edge worker: the
// orchestrator process that routes Linear webhooks to agent runner
// subprocesses (spec.md overview).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/config"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/repoconfig"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/tracing"
	"github.com/ceedaragents/cyrus-edge-worker/internal/db"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/events"
	"github.com/ceedaragents/cyrus-edge-worker/internal/httpapi"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/activityfeed"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/lifecycle"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/mcpserver"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/persist"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/router"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runnerfactory"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/store"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/webhook"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker/fake"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker/linear"
	"github.com/ceedaragents/cyrus-edge-worker/internal/workspace"
)

func main() {
	configDir := os.Getenv("CYRUS_CONFIG_DIR")

	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting cyrus edge worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	pool, err := openPool(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	snap, err := persist.Load(pool)
	if err != nil {
		log.Fatal("failed to load persisted snapshot", zap.Error(err))
	}

	snapStore, err := persist.Open(pool, log)
	if err != nil {
		log.Fatal("failed to start snapshot writer", zap.Error(err))
	}
	defer snapStore.Close()

	st := store.Restore(snap.Repositories)

	repos, err := repoconfig.Load(configDir)
	if err != nil {
		log.Fatal("failed to load repositories.yaml", zap.Error(err))
	}
	log.Info("loaded repository configuration", zap.Int("count", len(repos)))

	activeLookup := func(issueID string) (string, bool) {
		for _, sess := range st.ListAllActiveByIssue(issueID) {
			return sess.RepositoryID, true
		}
		return "", false
	}
	rt := router.New(repos, activeLookup)
	rt.RestoreCache(snap.IssueRepositoryCache)

	links := lifecycle.NewParentLinks()
	for child, parent := range snap.ChildToParentLinks {
		links.Link(parent, child)
	}
	links.PruneOrphans(func(sessionID string) bool {
		_, _, ok := st.GetAnyRepo(sessionID)
		return ok
	})

	tr := translate.New()

	trackerSvc := newTrackerService(cfg.Tracker)
	trackingSvc := activityfeed.Wrap(trackerSvc, providedBus.Bus, log)

	hub := activityfeed.NewHub(log)
	if err := hub.Subscribe(providedBus.Bus); err != nil {
		log.Fatal("failed to subscribe activity feed hub", zap.Error(err))
	}

	reporter := &lifecycleReporterProxy{}

	var mcpServerURL string
	mcpSrv := mcpserver.New(mcpserver.Config{Host: cfg.Runner.McpServerHost, Port: cfg.Runner.McpServerPort}, reporter, log)
	if cfg.Runner.McpServerEnabled {
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("failed to start embedded mcp server", zap.Error(err))
		}
		mcpServerURL = mcpSrv.Endpoint()
		log.Info("embedded mcp server listening", zap.String("endpoint", mcpServerURL))
	}

	factory := runnerfactory.New(cfg, mcpServerURL, log)

	var lc *lifecycle.Lifecycle
	sup := runner.New(factory, log, cfg.Runner.StopDrainDuration(), func(sessionID string, ev runner.Event) {
		if lc == nil {
			return
		}
		_, repoID, ok := st.GetAnyRepo(sessionID)
		if !ok {
			return
		}
		lc.HandleRunnerEvent(context.Background(), repoID, sessionID, ev)
		persistSnapshot(snapStore, st, links, lc, rt)
	})

	lc = lifecycle.New(st, sup, tr, trackingSvc, links, providedBus.Bus, log)
	lc.RestoreStopRequested(snap.StopRequestedSessions)
	reporter.lc = lc

	ws := workspace.NewLocal()
	dispatcher := webhook.New(st, rt, lc, trackingSvc, ws, log)

	notify := func() { persistSnapshot(snapStore, st, links, lc, rt) }
	debug := cfg.Logging.Level == "debug"

	server := httpapi.New(cfg.Server, debug, dispatcher, hub, func() int { return len(repos) }, pool.Ping, log, notify)
	serverErrCh := server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if cfg.Runner.McpServerEnabled {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("mcp server shutdown error", zap.Error(err))
		}
	}

	persistSnapshot(snapStore, st, links, lc, rt)
	log.Info("cyrus edge worker stopped")
}

// lifecycleReporterProxy breaks the mcpserver/lifecycle construction cycle:
// the mcp server's report_subagent_progress tool needs a ProgressReporter at
// Start time, but the Lifecycle it forwards to isn't built until after the
// Supervisor it depends on exists.
type lifecycleReporterProxy struct {
	lc *lifecycle.Lifecycle
}

func (p *lifecycleReporterProxy) ReportEphemeral(ctx context.Context, sessionID, body string) error {
	if p.lc == nil {
		return fmt.Errorf("lifecycle not ready")
	}
	return p.lc.ReportEphemeral(ctx, sessionID, body)
}

// newTrackerService picks the Linear client when an API key is configured,
// else the in-memory fake (local/dev mode, never wired in front of a real
// Linear webhook source).
func newTrackerService(cfg config.TrackerConfig) tracker.Service {
	if cfg.APIKey != "" {
		return linear.New(cfg.APIKey)
	}
	return fake.New()
}

// openPool opens the configured database driver and wraps both ends in a
// db.Pool, matching internal/db's sqlite (single-writer/multi-reader) vs
// postgres (shared pool) topology.
func openPool(cfg config.DatabaseConfig) (*db.Pool, error) {
	switch cfg.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		wrapped := sqlx.NewDb(conn, "pgx")
		return db.NewPool(wrapped, wrapped), nil
	default:
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	}
}

// persistSnapshot assembles the current in-memory state into a
// persist.Snapshot and enqueues it for the coalescing background writer
// (spec.md §4.7: "mutation is always followed by a persistence enqueue").
// SessionRunnerSelections, CodexSessionCache, and FinalizedNonClaudeSessions
// stay empty: this implementation reconstructs a resume selection directly
// from the AgentSession/RunnerSessionID on restart (lifecycle.selectionForResume)
// rather than maintaining a parallel cache (DESIGN.md open question 4).
func persistSnapshot(snapStore *persist.Store, st *store.Store, links *lifecycle.ParentLinks, lc *lifecycle.Lifecycle, rt *router.Router) {
	snapStore.Enqueue(persist.Snapshot{
		Repositories:               st.Serialize(),
		SessionRunnerSelections:    map[string]domain.RunnerSelection{},
		CodexSessionCache:          map[string]string{},
		ChildToParentLinks:         links.Export(),
		FinalizedNonClaudeSessions: map[string]bool{},
		StopRequestedSessions:      lc.ExportStopRequested(),
		IssueRepositoryCache:       rt.ExportCache(),
	})
}
