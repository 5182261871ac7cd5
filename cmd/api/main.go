package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatrelay/internal/awsutil"
	"chatrelay/internal/config"
	"chatrelay/internal/events"
	"chatrelay/internal/httpserver"
	"chatrelay/internal/ingest"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/presence"
	"chatrelay/internal/providers/whatsapp"
	sqsqueue "chatrelay/internal/queue/sqs"
	"chatrelay/internal/service"
	"chatrelay/internal/store/pg"
	"chatrelay/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:        cfg.DBPoolMaxConns,
		MinConns:        cfg.DBPoolMinConns,
		MaxConnLifetime: cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime: cfg.DBPoolMaxConnIdleTime,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	observability.Register(prometheus.DefaultRegisterer)

	registry := presence.NewRegistry()
	hub := events.NewHub(cfg.EventBufferSize)

	var bus events.Publisher = hub
	if cfg.EgressWebhookURL != "" {
		forwarder := events.NewForwarder(
			cfg.EgressWebhookURL,
			rate.NewLimiter(rate.Limit(cfg.EgressRPS), cfg.EgressBurst),
			gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "egress-webhook"}),
		)
		go forwarder.Run(ctx)
		bus = events.Fanout{hub, forwarder}
		slog.Info("egress forwarder enabled", "url", cfg.EgressWebhookURL)
	}

	svc := &service.ChatService{
		Store:    pg.New(db),
		Presence: registry,
		Bus:      bus,
		IDGen:    util.NewMessageID,
	}

	s := httpserver.New()
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)
	stream := &httpserver.EventStream{Hub: hub, Registry: registry}
	stream.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))

	handler := httpserver.Logging(s.Mux)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	// the webhook-ingestion consumer runs in this process so presence and
	// the event hub apply to ingested messages too
	pollErrCh := make(chan error, 1)
	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		consumer := &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          cfg.SQSQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		processor := &ingest.Processor{Dispatch: svc}
		go func() {
			slog.Info("api ingest consumer starting", "queue_url", cfg.SQSQueueURL)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.IngestConcurrency, func(ctx context.Context, batch sqsqueue.PayloadBatch) error {
				return processBatch(ctx, processor, batch)
			})
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
			os.Exit(1)
		}
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("api ingest consumer failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// processBatch parses an enqueued provider batch and replays it through the
// dispatch engine. A malformed body is acked (deleting it beats endless
// redrive); record failures make the batch redrivable, which is safe because
// creation is idempotent.
func processBatch(ctx context.Context, processor *ingest.Processor, batch sqsqueue.PayloadBatch) error {
	var payload whatsapp.Payload
	if err := json.Unmarshal(batch.Body, &payload); err != nil {
		slog.Error("ingest batch unparseable, dropping", "err", err, "provider", batch.Provider)
		return nil
	}

	res := processor.ProcessBatch(ctx, payload, util.NowUTC())
	slog.Info("ingest batch processed",
		"provider", batch.Provider,
		"messages", res.Messages,
		"statuses", res.Statuses,
		"failed", res.Failed,
	)
	if res.Failed > 0 {
		return fmt.Errorf("ingest batch had %d failed records", res.Failed)
	}
	return nil
}
