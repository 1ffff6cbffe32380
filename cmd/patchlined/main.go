package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ordercraft/patchline/internal/api"
	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/engine"
	"github.com/ordercraft/patchline/internal/llm"
	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
	"github.com/ordercraft/patchline/internal/session"
	"github.com/ordercraft/patchline/internal/sqlite"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("patchline: .env file not loaded", "error", err)
	} else {
		logger.Info("patchline: environment loaded from .env")
	}

	addr := flag.String("addr", ":8082", "listen address")
	dbPath := flag.String("db", defaultDBPath(), "path to the SQLite database")
	profilesPath := flag.String("profiles", "", "YAML file with profile schemas to seed on startup")
	recordsPath := flag.String("records", "", "JSON file with records to seed on startup, keyed by profile id")
	flag.Parse()

	logger.Info("patchline: startup initiated", "addr", *addr, "db", *dbPath)

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		logger.Error("patchline: store open failed", "error", err)
		fmt.Println("store error:", err)
		os.Exit(1)
	}
	defer store.Close()

	if trimmed := strings.TrimSpace(*profilesPath); trimmed != "" {
		if err := seedProfiles(ctx, store, trimmed); err != nil {
			logger.Error("patchline: profile seed failed", "path", trimmed, "error", err)
			fmt.Println("profile seed error:", err)
			os.Exit(1)
		}
	}
	if trimmed := strings.TrimSpace(*recordsPath); trimmed != "" {
		if err := seedRecords(ctx, store, trimmed); err != nil {
			logger.Error("patchline: record seed failed", "path", trimmed, "error", err)
			fmt.Println("record seed error:", err)
			os.Exit(1)
		}
	}

	// Credentials are checked here, before any call is attempted; a missing
	// key is fatal rather than a mid-turn surprise.
	provider, err := llm.NewProvider()
	if err != nil {
		logger.Error("patchline: provider configuration failed", "error", err)
		fmt.Println("provider error:", err)
		os.Exit(1)
	}
	logger.Info("patchline: llm provider ready", "provider", provider.Name())

	eng := engine.New(provider, store, store, store, session.NewLedger())
	server, err := api.NewServer(eng, store, store)
	if err != nil {
		logger.Error("patchline: server construction failed", "error", err)
		fmt.Println("server error:", err)
		os.Exit(1)
	}

	logger.Info("patchline: server listening", "addr", *addr, "health", "/healthz")
	fmt.Printf("Serving on %s\n", *addr)
	if err := http.ListenAndServe(*addr, server); err != nil {
		logger.Error("patchline: server stopped", "error", err)
		fmt.Println("server stopped:", err)
	}
}

func defaultDBPath() string {
	return filepath.Join("data", "patchline.db")
}

func seedProfiles(ctx context.Context, store *sqlite.Store, path string) error {
	profiles, err := schema.LoadProfiles(path)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		if err := store.SaveProfile(ctx, profile); err != nil {
			return fmt.Errorf("save profile %q: %w", profile.ID, err)
		}
	}
	common.Logger().Info("patchline: profiles seeded", "count", len(profiles), "path", path)
	return nil
}

func seedRecords(ctx context.Context, store *sqlite.Store, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	var byProfile map[string][]record.Record
	if err := json.Unmarshal(data, &byProfile); err != nil {
		return fmt.Errorf("parse records: %w", err)
	}
	total := 0
	for profileID, records := range byProfile {
		if err := store.ReplaceRecords(ctx, profileID, records); err != nil {
			return fmt.Errorf("seed profile %q: %w", profileID, err)
		}
		total += len(records)
	}
	common.Logger().Info("patchline: records seeded", "count", total, "path", path)
	return nil
}
