package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pickedge/backend"
	"pickedge/config"
	"pickedge/engine"
	"pickedge/lease"
	"pickedge/messaging"
	"pickedge/metrics"
	"pickedge/protocol"
	"pickedge/store"
	"pickedge/www"
)

func main() {
	configPath := flag.String("config", "pickedge.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *port > 0 {
		cfg.Web.Port = *port
	}
	stationID := cfg.StationID()

	// Open local store; without one the device keeps working online-only
	db, err := store.Open(&cfg.Database)
	if err != nil {
		log.Printf("open local store: %v (offline mode disabled)", err)
		db = nil
	} else {
		defer db.Close()
	}

	m := metrics.New()
	api := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, stationID)

	// Messaging is optional; it carries confirmations when the transport is
	// mqtt or kafka and always carries dispatch notices and heartbeats.
	var msgClient *messaging.Client
	if cfg.Messaging.Transport == "mqtt" || cfg.Messaging.Transport == "kafka" {
		msgClient = messaging.NewClient(&cfg.Messaging, cfg.ClientID(), cfg.KafkaGroupID())
		defer msgClient.Close()
		if err := msgClient.Connect(); err != nil {
			log.Printf("messaging connect: %v (confirmations stay queued)", err)
		}
	}

	var transport messaging.Transport = api
	if msgClient != nil {
		transport = messaging.NewPublishTransport(msgClient, cfg.Messaging.ConfirmTopic, stationID)
	}
	transport = messaging.NewBreakerTransport(transport, cfg.Backend.Breaker)

	var drainLease lease.Lease
	if cfg.Lease.Backend == "store" && db == nil {
		log.Printf("lease: store backend needs a local store, running without a lease")
	} else {
		drainLease, err = lease.New(&cfg.Lease, db, "outbox-drain")
		if err != nil {
			log.Fatalf("lease: %v", err)
		}
	}

	// Create and start engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		DB:         db,
		Source:     api,
		Transport:  transport,
		Lease:      drainLease,
		Metrics:    m,
		LogFunc:    log.Printf,
		Debug:      *debug,
	})
	eng.Start()
	defer eng.Stop()

	if msgClient != nil {
		// Protocol ingestor (dispatch notices from the backend). An MQTT
		// subscription made before the broker is reachable applies on connect.
		ingestor := protocol.NewIngestor(messaging.NewDeviceHandler(stationID, eng), protocol.StationFilter(stationID))
		if err := msgClient.Subscribe(cfg.Messaging.DispatchTopic, func(data []byte) {
			ingestor.HandleRaw(data)
		}); err != nil {
			log.Printf("protocol ingestor subscribe: %v", err)
		} else {
			log.Printf("protocol ingestor registered on %s (station=%s)", cfg.Messaging.DispatchTopic, stationID)
		}

		hb := messaging.NewHeartbeater(msgClient, stationID, cfg.Messaging.ConfirmTopic, cfg.Messaging.HeartbeatInterval, eng.OutboxStats)
		hb.Start()
		defer hb.Stop()
	}

	// Set up HTTP server
	router, stopWeb := www.NewRouter(eng)
	defer stopWeb()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("pickedge listening on %s (station=%s offline=%v)", addr, stationID, eng.OfflineEnabled())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	// Close SSE streams before the HTTP shutdown waits on them
	stopWeb()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}
