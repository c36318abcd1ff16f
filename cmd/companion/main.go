package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/config"
	"example.com/ridesync/internal/events"
	"example.com/ridesync/internal/logging"
	"example.com/ridesync/internal/observability"
	"example.com/ridesync/internal/relay"
	httptransport "example.com/ridesync/internal/transport/http"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logCloser := logging.Setup(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSize, Backups: 3})
	defer logCloser.Close()
	observability.RecordBuild("companion", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writer events.Writer = events.LogWriter{Logger: logging.Component("events")}
	if len(cfg.KafkaBrokers) > 0 {
		writer = events.NewKafkaProducer(cfg.KafkaBrokers)
	}
	publisher := events.NewPublisher(writer, cfg.OwnerID, events.WithLogger(logging.Component("events")))
	defer publisher.Close()

	store, err := companion.Open(cfg.QueuePath,
		companion.WithLogger(logging.Component("companion")),
		companion.WithRetryBackoff(cfg.RetryBackoff),
		companion.WithHealthSink(publisher),
	)
	if err != nil {
		log.Fatalf("failed to open session queue: %v", err)
	}
	log.Printf("session queue %s holds %d sessions", cfg.QueuePath, store.QueueDepth())

	peer := relay.NewPeer(relay.WithPeerLogger(logging.Component("relay")))
	outbox, err := relay.OpenOutbox(cfg.CommandQueuePath, peer,
		relay.WithOutboxAckTimeout(cfg.AckTimeout),
		relay.WithOutboxMaxAttempts(cfg.MaxAttempts),
		relay.WithOutboxPollInterval(cfg.FlushInterval),
		relay.WithOutboxLogger(logging.Component("outbox")),
	)
	if err != nil {
		log.Fatalf("failed to open command outbox: %v", err)
	}
	log.Printf("command outbox %s holds %d commands", cfg.CommandQueuePath, outbox.Len())
	go outbox.Run(ctx)

	link := relay.New(peer,
		relay.WithTimeout(cfg.AckTimeout),
		relay.WithOutbox(outbox),
		relay.WithLogger(logging.Component("relay")),
	)
	link.OnReceive(relay.NewCommands(relay.NewMirror()).Handle)

	flusher := relay.NewFlusher(store, peer,
		relay.WithAckTimeout(cfg.AckTimeout),
		relay.WithMaxAttempts(cfg.MaxAttempts),
		relay.WithPollInterval(cfg.FlushInterval),
		relay.WithFlusherLogger(logging.Component("flusher")),
	)
	go flusher.Run(ctx)

	dialer := &relay.Dialer{
		URL:    cfg.RelayURL,
		Peer:   peer,
		Logger: logging.Component("relay"),
	}
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		_ = dialer.Run(ctx)
	}()

	ctl := &control{store: store, relay: link, flusher: flusher, outbox: outbox, now: time.Now}
	mux := http.NewServeMux()
	ctl.register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.HTTPAddress,
	}, httptransport.RequestLogger(logging.Component("http"), mux))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("companion listening on %s, relaying to %s", cfg.HTTPAddress, cfg.RelayURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	flusher.Wait()
	outbox.Wait()
	peer.Close()
	<-dialDone
}
