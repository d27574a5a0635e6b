// mnemo-lifecycle runs memory lifecycle passes from the command line, for
// cron-style scheduling or manual maintenance. Without -user it covers every
// user in the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/postgres"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
)

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
	userID := flag.String("user", "", "run for a single user (default: all users)")
	pass := flag.String("pass", "all", "pass to run: consolidate, abstract, forget, or all")
	force := flag.Bool("force", false, "run even when the pass period has not elapsed")
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

	graph := engine.NewGraph(store, store)
	collab := engine.NewCollaborators(nil, nil, nil, cfg.Collaborator)
	lifecycle := engine.NewLifecycle(graph, collab, engine.NewDecayer(cfg.Decay), cfg.Lifecycle)

	ctx := context.Background()
	users := []string{*userID}
	if *userID == "" {
		users, err = graph.ListUsers(ctx)
		if err != nil {
			log.Fatalf("failed to list users: %v", err)
		}
		if len(users) == 0 {
			log.Println("no users in store, nothing to do")
			return
		}
	}

	failed := false
	for _, uid := range users {
		if err := runPasses(ctx, lifecycle, uid, *pass, *force); err != nil {
			log.Printf("user %s: %v", uid, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func runPasses(ctx context.Context, lifecycle *engine.Lifecycle, userID, pass string, force bool) error {
	passes := map[string][]struct {
		kind storage.PassKind
		run  func(context.Context, string) (*engine.PassReport, error)
	}{
		"consolidate": {{storage.PassConsolidate, lifecycle.Consolidate}},
		"abstract":    {{storage.PassAbstract, lifecycle.Abstract}},
		"forget":      {{storage.PassForget, lifecycle.Forget}},
		"all": {
			{storage.PassConsolidate, lifecycle.Consolidate},
			{storage.PassAbstract, lifecycle.Abstract},
			{storage.PassForget, lifecycle.Forget},
		},
	}
	selected, ok := passes[pass]
	if !ok {
		return fmt.Errorf("unknown pass %q", pass)
	}

	for _, p := range selected {
		if !force {
			due, err := lifecycle.Due(ctx, userID, p.kind)
			if err != nil {
				return err
			}
			if !due {
				log.Printf("user=%s pass=%s not due, skipping (use -force to override)", userID, p.kind)
				continue
			}
		}
		report, err := p.run(ctx, userID)
		if err != nil {
			return fmt.Errorf("%s pass: %w", p.kind, err)
		}
		log.Printf("user=%s pass=%s scanned=%d merged=%d deleted=%d skipped=%d took=%s",
			report.UserID, report.Pass, report.Scanned, report.Merged,
			report.Deleted, report.Skipped, report.Duration)
	}
	return nil
}
