// Command archive-loader performs a one-shot import of a local
// .osm.bz2 changeset archive into the store, optionally filtered to a
// date range and retention window.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/mvexel/meetyourmappers-ingest/internal/archive"
	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/config"
	"github.com/mvexel/meetyourmappers-ingest/internal/osmtime"
	"github.com/mvexel/meetyourmappers-ingest/internal/store"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	path          = flag.String("file", "", "path to a .osm.bz2 changeset archive")
	fromDate      = flag.String("from", "", "RFC3339 lower bound on created_at (optional)")
	toDate        = flag.String("to", "", "RFC3339 upper bound on created_at (optional)")
	retentionDays = flag.Int("retention-days", 0, "drop changesets closed more than N days ago (0 disables)")
	batchSize     = flag.Int("batch-size", 50000, "rows per upsert batch")
	workers       = flag.Int("workers", 4, "concurrent upsert workers")
)

func main() {
	flag.Parse()
	if *path == "" {
		log.Fatal("archive-loader: -file is required")
	}

	cfg := config.FromEnv(config.Default())
	rtx.Must(cfg.Validate(), "invalid configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBURL, cfg.MaxDBConns)
	rtx.Must(err, "opening store")
	defer st.Close()

	filter := changeset.DateRange{}
	if *fromDate != "" {
		t, ok := osmtime.Parse(*fromDate)
		if !ok {
			log.Fatalf("archive-loader: invalid -from %q", *fromDate)
		}
		filter.From = osmtime.Time{Time: t}
	}
	if *toDate != "" {
		t, ok := osmtime.Parse(*toDate)
		if !ok {
			log.Fatalf("archive-loader: invalid -to %q", *toDate)
		}
		filter.To = osmtime.Time{Time: t}
	}

	loader := &archive.Loader{
		Store:         st,
		BatchSize:     *batchSize,
		Workers:       *workers,
		Filter:        filter,
		RetentionDays: *retentionDays,
		BufferSize:    cfg.BufferSize,
	}

	start := time.Now()
	if err := loader.Load(ctx, *path); err != nil {
		log.Fatalf("archive-loader: %v", err)
	}
	log.Printf("archive-loader: finished %s in %s", *path, time.Since(start))
}
