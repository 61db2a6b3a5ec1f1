// Command replication-daemon continuously ingests the OSM minutely
// changeset replication feed: it catches up to the tip, backfills
// history down to a cutoff, fills any gaps, then polls forever.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
	"github.com/mvexel/meetyourmappers-ingest/internal/config"
	"github.com/mvexel/meetyourmappers-ingest/internal/metrics"
	"github.com/mvexel/meetyourmappers-ingest/internal/replication"
	"github.com/mvexel/meetyourmappers-ingest/internal/schedule"
	"github.com/mvexel/meetyourmappers-ingest/internal/store"
	"github.com/mvexel/meetyourmappers-ingest/internal/worker"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var configFile = flag.String("config", "", "optional YAML config file overriding environment defaults")

func main() {
	flag.Parse()

	cfg := config.FromEnv(config.Default())
	if *configFile != "" {
		var err error
		cfg, err = config.FromFile(cfg, *configFile)
		rtx.Must(err, "loading config file %s", *configFile)
	}
	rtx.Must(cfg.Validate(), "invalid configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBURL, cfg.MaxDBConns)
	rtx.Must(err, "opening store")
	defer st.Close()

	// Metrics and pprof on their own port, same convention as the
	// teacher's etl_worker (m-lab-etl/cmd/etl_worker/etl_worker.go):
	// prometheusx registers /metrics against the default registry that
	// internal/metrics' promauto counters already populate.
	prometheusx.MustStartPrometheus(":9090")

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthCheckHandler)
	srv := &http.Server{Addr: ":9091", Handler: healthMux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server: %v", err)
		}
	}()

	client := replication.NewClient(cfg.BaseURL, cfg.ThrottleDelay, cfg.MaxRetries)
	client.StateURL = cfg.StateURL

	var filter changeset.DateRange

	// Computed once at startup and shared with the scheduler so both
	// sides of the descending-historical-backfill termination check
	// (worker.staleAndPresent, schedule.Scheduler.CutoffDate) agree on
	// the same cutoff (spec.md §4.3).
	cutoff, ok, err := st.MostRecentClosedAt(ctx)
	rtx.Must(err, "reading cutoff date")
	if !ok {
		if cfg.StartSequence > 0 {
			log.Printf("store is empty; skipping historical backfill, starting at sequence %d", cfg.StartSequence)
		} else {
			log.Printf("store is empty; historical descent will run down to sequence %d", max(cfg.MinSequence, 1))
		}
	}

	w := &worker.Worker{
		Fetch:      client,
		Store:      st,
		BatchSize:  cfg.BatchSize,
		Filter:     filter,
		CutoffDate: cutoff,
	}

	retries := schedule.NewRetryManager(cfg.MaxRetries, cfg.RetryInterval)

	sched := &schedule.Scheduler{
		Tips:            client,
		State:           st,
		Process:         w.ProcessSequence,
		NumWorkers:      cfg.NumWorkers,
		PollingInterval: cfg.PollingInterval,
		QueueSize:       cfg.QueueSize,
		CutoffDate:      cutoff,
		MinSequence:     cfg.MinSequence,
		StartSequence:   cfg.StartSequence,
		Retries:         retries,
	}

	go reclaimLoop(ctx, st, cfg)
	go retryQueueDepthLoop(ctx, retries)

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("scheduler exited: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RetryInterval)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("replication-daemon: graceful shutdown complete")
}

func reclaimLoop(ctx context.Context, st *store.Store, cfg config.Config) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.ReclaimStaleProcessing(ctx, cfg.StaleProcessingGrace)
			if err != nil {
				log.Printf("reclaim stale processing: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("reclaimed %d stale processing sequences", n)
			}
		}
	}
}

// retryQueueDepthLoop periodically samples the retry manager's pending
// count into the ingest_retry_queue_depth gauge, following the same
// sample-on-a-ticker idiom as reclaimLoop.
func retryQueueDepthLoop(ctx context.Context, retries *schedule.RetryManager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RetryQueueDepth.Set(float64(retries.Len()))
		}
	}
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "ok")
}
