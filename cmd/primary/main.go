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

	"example.com/ridesync/internal/cloud"
	"example.com/ridesync/internal/config"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/events"
	"example.com/ridesync/internal/localstore"
	"example.com/ridesync/internal/logging"
	"example.com/ridesync/internal/notify"
	"example.com/ridesync/internal/observability"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/relay"
	"example.com/ridesync/internal/sharing"
	"example.com/ridesync/internal/syncengine"
	httptransport "example.com/ridesync/internal/transport/http"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logCloser := logging.Setup(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSize, Backups: 3})
	defer logCloser.Close()
	observability.RecordBuild("primary", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := localstore.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer store.Close()

	presets := sharing.DefaultPresets()
	if cfg.PresetsFile != "" {
		if err := presets.LoadFile(cfg.PresetsFile); err != nil {
			log.Fatalf("failed to load presets: %v", err)
		}
	}

	var writer events.Writer = events.LogWriter{Logger: logging.Component("events")}
	if len(cfg.KafkaBrokers) > 0 {
		writer = events.NewKafkaProducer(cfg.KafkaBrokers)
	}
	publisher := events.NewPublisher(writer, cfg.OwnerID, events.WithLogger(logging.Component("events")))
	defer publisher.Close()

	client := cloud.NewClient(cfg.CloudURL, cfg.CloudToken)
	locks := domain.NewLocks()

	var engine *syncengine.Engine
	wake := func() {
		if engine != nil {
			engine.Trigger()
		}
	}

	service := domain.NewService(store, domain.WithLocks(locks), domain.WithChangeHook(wake))
	manager := sharing.NewManager(store, store, client,
		sharing.WithPresets(presets),
		sharing.WithManagerLocks(locks),
		sharing.WithCallTimeout(cfg.CallTimeout),
		sharing.WithManagerChangeHook(wake),
		sharing.WithManagerLogger(logging.Component("sharing")),
	)
	inbox := sharing.NewInbox(store, client, time.Now)

	engine = syncengine.New(store, client, store,
		syncengine.WithLocks(locks),
		syncengine.WithValidator(record.TypeTrainingArtifact, domain.Validate),
		syncengine.WithValidator(record.TypeCompetition, domain.Validate),
		syncengine.WithValidator(record.TypeRelationship, sharing.Validate),
		syncengine.WithShareJanitor(manager),
		syncengine.WithRequestInbox(inbox),
		syncengine.WithSenderName(manager.ContactName),
		syncengine.WithSnapshotPublisher(publisher),
		syncengine.WithConcurrency(cfg.SyncConcurrency),
		syncengine.WithCallTimeout(cfg.CallTimeout),
		syncengine.WithInterval(cfg.SyncInterval),
		syncengine.WithLogger(logging.Component("syncengine")),
	)

	notifications := &alerts{
		dispatcher: notify.NewDispatcher(manager, publisher, notify.WithLogger(logging.Component("notify"))),
		timeout:    cfg.CallTimeout,
		logger:     logging.Component("notify"),
		lastRide:   relay.RideIdle,
	}

	mirror := relay.NewMirror()
	commands := relay.NewCommands(mirror,
		relay.OnMirrorChange(notifications.mirrorChanged),
		relay.OnFall(notifications.fall),
	)
	intake := relay.NewIntake(commands, service, cfg.OwnerID,
		relay.WithIntakeLogger(logging.Component("intake")),
		relay.OnSessionRecorded(notifications.sessionRecorded),
	)
	peer := relay.NewPeer(relay.WithPeerLogger(logging.Component("relay")))
	peer.Serve(intake.Handle)
	peer.OnReachabilityChange(func(reachable bool) {
		log.Printf("companion reachable: %t", reachable)
	})

	go engine.Run(ctx)
	if cfg.PresetsFile != "" {
		go func() {
			if err := sharing.WatchPresets(ctx, presets, cfg.PresetsFile, logging.Component("presets")); err != nil {
				log.Printf("presets hot reload disabled: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	(&admin{
		ownerID: cfg.OwnerID,
		engine:  engine,
		service: service,
		manager: manager,
		inbox:   inbox,
		mirror:  mirror,
	}).register(mux)
	mux.Handle("/relay", peer)
	mux.Handle("/metrics", promhttp.Handler())

	// No write timeout: the relay WebSocket is long-lived.
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:   cfg.HTTPAddress,
		Streaming: true,
	}, httptransport.RequestLogger(logging.Component("http"), mux))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("primary listening on %s, syncing with %s", cfg.HTTPAddress, cfg.CloudURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	peer.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	engine.Wait()
	notifications.Wait()
}
