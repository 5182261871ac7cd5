package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/events"
	"chatrelay/internal/ingest"
	"chatrelay/internal/logging"
	"chatrelay/internal/presence"
	"chatrelay/internal/providers/whatsapp"
	"chatrelay/internal/service"
	"chatrelay/internal/store/pg"
	"chatrelay/internal/util"
)

// Backfill CLI: replays provider payload files through the dispatch engine.
// Runs without a live server, so presence is empty and events go nowhere;
// everything lands with the status the payload carries.
func main() {
	dir := flag.String("dir", "./payloads", "directory with *.json payload files")
	dry := flag.Bool("dry", false, "parse and log only, no writes")
	flag.Parse()

	cfg := config.LoadIngest()
	logging.Init("ingest", cfg.LogFormat)

	ctx := context.Background()

	entries, err := os.ReadDir(*dir)
	if err != nil {
		slog.Error("ingest read dir failed", "err", err, "dir", *dir)
		os.Exit(1)
	}

	var processor *ingest.Processor
	if !*dry {
		db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
		if err != nil {
			slog.Error("ingest db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		processor = &ingest.Processor{Dispatch: &service.ChatService{
			Store:    pg.New(db),
			Presence: presence.NewRegistry(),
			Bus:      events.Fanout{},
			IDGen:    util.NewMessageID,
		}}
	}

	files, messages, statuses, failed := 0, 0, 0, 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files++
		full := filepath.Join(*dir, entry.Name())

		raw, err := os.ReadFile(full)
		if err != nil {
			slog.Error("ingest read file failed", "err", err, "file", full)
			failed++
			continue
		}
		var payload whatsapp.Payload
		if err := json.Unmarshal(raw, &payload); err != nil {
			slog.Error("ingest parse file failed", "err", err, "file", full)
			failed++
			continue
		}

		if *dry {
			m := len(whatsapp.ParseMessages(payload))
			s := len(whatsapp.ParseStatuses(payload))
			slog.Info("ingest dry run", "file", entry.Name(), "messages", m, "statuses", s)
			messages += m
			statuses += s
			continue
		}

		res := processor.ProcessBatch(ctx, payload, util.NowUTC())
		slog.Info("ingest file processed", "file", entry.Name(),
			"messages", res.Messages, "statuses", res.Statuses, "failed", res.Failed)
		messages += res.Messages
		statuses += res.Statuses
		failed += res.Failed
	}

	slog.Info("ingest done", "files", files, "messages", messages, "statuses", statuses, "failed", failed)
}
