package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/throw-if-null/snapdiff/internal/config"
	"github.com/throw-if-null/snapdiff/internal/paths"
	"github.com/throw-if-null/snapdiff/internal/server"
	"github.com/throw-if-null/snapdiff/internal/store"
	"github.com/throw-if-null/snapdiff/internal/telemetry"
	"github.com/throw-if-null/snapdiff/internal/version"

	_ "modernc.org/sqlite"
)

func main() {
	root, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to resolve working directory: %v", err)
	}
	cfg, err := loadConfig(root)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	dbPath, err := ensureDBPath(root, cfg.Server.DBPath)
	if err != nil {
		log.Fatalf("failed to prepare db path: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("failed to open sqlite db: %v", err)
	}
	defer db.Close()
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000`)

	s := store.New(db)
	if err := s.Init(); err != nil {
		log.Fatalf("failed to init schema: %v", err)
	}

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.Enabled, telemetry.Config{
		ServiceName:    "snapdiffd",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		log.Fatalf("failed to init telemetry: %v", err)
	}
	defer func() { _ = shutdown(ctx) }()

	srv := server.NewServer(s, log.Default())
	log.Printf("snapdiffd %s (%s) listening on http://%s (db %s)", version.Version, version.Commit, cfg.Server.Listen, dbPath)
	if err := http.ListenAndServe(cfg.Server.Listen, srv.Handler()); err != nil {
		log.Printf("server stopped: %v", err)
	}
}

func loadConfig(root string) (config.Config, error) {
	if err := config.LoadDotEnv(filepath.Join(root, ".env")); err != nil {
		return config.Config{}, err
	}
	res := config.Load(root)
	if res.ParseError != nil {
		return config.Config{}, res.ParseError
	}
	return config.ApplyEnv(res.Config)
}

// ensureDBPath returns the database path, creating its parent directory.
// An empty configured path selects the default under root.
func ensureDBPath(root, configured string) (string, error) {
	p := configured
	if p == "" {
		p = paths.DefaultDBPath(root)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	return p, nil
}
