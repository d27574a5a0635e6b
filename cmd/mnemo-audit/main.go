// mnemo-audit replays each user's event ledger into a shadow graph and
// compares it against the store. A divergence means a store write was
// accepted without its event, or vice versa; the exit code makes the check
// usable from monitoring scripts.
package main

import (
	"context"
	"errors"
	"flag"
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
		return nil, errors.New("unknown storage engine " + cfg.Storage.Engine)
	}
}

func main() {
	configPath := flag.String("config", "mnemo.yaml", "path to configuration file")
	userID := flag.String("user", "", "audit a single user (default: all users)")
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
	ctx := context.Background()

	users := []string{*userID}
	if *userID == "" {
		users, err = graph.ListUsers(ctx)
		if err != nil {
			log.Fatalf("failed to list users: %v", err)
		}
		if len(users) == 0 {
			log.Println("no users in store, nothing to audit")
			return
		}
	}

	diverged := false
	for _, uid := range users {
		err := graph.ReplayAndVerify(ctx, uid)
		switch {
		case err == nil:
			log.Printf("user=%s ledger and store agree", uid)
		case errors.Is(err, storage.ErrIntegrityViolation):
			log.Printf("user=%s DIVERGED: %v", uid, err)
			diverged = true
		default:
			log.Fatalf("user=%s audit failed: %v", uid, err)
		}
	}
	if diverged {
		os.Exit(2)
	}
}
