package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"

	"github.com/kurobon/restack/internal/config"
	"github.com/kurobon/restack/internal/engine"
	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
	"github.com/kurobon/restack/internal/server"
)

func main() {
	cfg := config.Global

	repo, err := gogit.PlainOpen(cfg.RepoPath)
	if err != nil {
		log.Fatalf("open repository %s: %v", cfg.RepoPath, err)
	}
	objects := facade.NewGitRepository(repo)

	dbPath := cfg.EventLogPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create %s: %v", filepath.Dir(dbPath), err)
	}
	store, err := eventlog.Open(dbPath)
	if err != nil {
		log.Fatalf("open event log %s: %v", dbPath, err)
	}
	defer store.Close()

	eng, err := engine.New(objects, store, engine.Options{
		MainBranch: cfg.MainBranch,
		DagEngine:  cfg.DagEngine,
	})
	if err != nil {
		log.Fatalf("initialize engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := engine.NewWatcher(eng, filepath.Join(cfg.RepoPath, ".git"))
	if err := watcher.Start(ctx); err != nil {
		log.Printf("Warning: ref watcher unavailable: %v", err)
		log.Println("External mutations must be reported via /api/observe")
	}

	srv := server.NewServer(eng)

	log.Printf("Server listening on %s (repo %s, main %s)", cfg.Addr, cfg.RepoPath, cfg.MainBranch)
	if err := http.ListenAndServe(cfg.Addr, srv); err != nil {
		log.Fatal(err)
	}
}
