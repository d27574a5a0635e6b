// mnemo-serve runs the knowledge graph service: HTTP ingestion and queries,
// the websocket event tail, and periodic lifecycle passes for active users.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/notify"
	"github.com/scrypster/mnemo/internal/server"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/postgres"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
)

const lifecycleTick = 15 * time.Minute

// backend is what both storage engines provide.
type backend interface {
	storage.GraphStore
	storage.EventLog
}

func openBackend(cfg *config.Config) (backend, error) {
	switch cfg.Storage.Engine {
	case "sqlite":
		return sqlite.NewGraphStore(cfg.Storage.SQLitePath)
	case "postgres":
		return postgres.NewGraphStore(cfg.Storage.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

func main() {
	configPath := flag.String("config", "mnemo.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Storage.Engine, err)
	}
	defer store.Close()
	log.Printf("storage: %s engine ready", cfg.Storage.Engine)

	graph := engine.NewGraph(store, store)
	collab := engine.NewCollaborators(nil, nil, nil, cfg.Collaborator)
	decayer := engine.NewDecayer(cfg.Decay)

	var lifecycle atomic.Pointer[engine.Lifecycle]
	lifecycle.Store(engine.NewLifecycle(graph, collab, decayer, cfg.Lifecycle))
	recon := engine.NewReconsolidator(graph, collab, cfg.Reconsolidation)

	hub := notify.NewHub()
	go hub.Run()
	defer hub.Stop()
	graph.SetObserver(hub.Publish)

	srv := server.New(graph, recon, hub)

	// Threshold changes in the config file take effect without a restart.
	// Each reload swaps in freshly built engines; in-flight passes finish
	// under the old settings.
	watcher := config.NewWatcher(*configPath, func(next *config.Config) {
		nextCollab := engine.NewCollaborators(nil, nil, nil, next.Collaborator)
		lifecycle.Store(engine.NewLifecycle(graph, nextCollab, engine.NewDecayer(next.Decay), next.Lifecycle))
		srv.SwapReconsolidator(engine.NewReconsolidator(graph, nextCollab, next.Reconsolidation))
	})
	if err := watcher.Start(); err != nil {
		log.Printf("config: hot reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	bound, httpSrv, err := server.Start(addr, srv)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}
	log.Printf("mnemo-serve listening on http://%s", bound)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runLifecycleLoop(ctx, graph, &lifecycle)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	log.Println("goodbye")
}

// runLifecycleLoop periodically runs due passes for every user with nodes in
// the store. There is no user registry; the node table is the roster.
func runLifecycleLoop(ctx context.Context, graph *engine.Graph, lifecycle *atomic.Pointer[engine.Lifecycle]) {
	ticker := time.NewTicker(lifecycleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		users, err := graph.ListUsers(ctx)
		if err != nil {
			log.Printf("lifecycle: failed to list users: %v", err)
			continue
		}
		lc := lifecycle.Load()
		for _, userID := range users {
			reports, err := lc.RunAll(ctx, userID)
			if err != nil {
				log.Printf("lifecycle: passes for user %s: %v", userID, err)
			}
			for _, rep := range reports {
				log.Printf("lifecycle: user=%s pass=%s scanned=%d merged=%d deleted=%d took=%s",
					rep.UserID, rep.Pass, rep.Scanned, rep.Merged, rep.Deleted, rep.Duration)
			}
		}
	}
}
