package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus "github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"ignition/config"
	"ignition/executor"
	"ignition/logger"
	"ignition/natshandler"
	"ignition/service"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	core := logrus.New()
	if cfg.Environment == "development" {
		core.SetLevel(logrus.DebugLevel)
	} else {
		core.SetFormatter(&logrus.JSONFormatter{})
	}

	streamer := logger.NewStreamer(cfg.BetterStackSourceToken, cfg.Environment, cfg.BetterStackUploadURL, "app.log", log)
	defer streamer.Flush()

	copts := executor.DefaultContainerOptions()
	copts.Image = cfg.WorkerImage
	copts.AdvertiseAddr = cfg.AdvertiseAddr
	copts.MemoryMB = cfg.WorkerMemoryMB
	copts.NanoCPUs = cfg.WorkerNanoCPUs

	cm, err := executor.NewContainerManager(copts, core)
	if err != nil {
		log.Fatal("Failed to create container manager", zap.Error(err))
	}

	startup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := cm.CheckImage(startup); err != nil {
		log.Fatal("Worker Docker image not found", zap.String("image", cfg.WorkerImage), zap.Error(err))
	}
	if n, err := cm.Sweep(startup); err != nil {
		log.Warn("Failed to sweep stray containers", zap.Error(err))
	} else if n > 0 {
		log.Info("Removed stray worker containers", zap.Int("count", n))
	}
	cancel()

	listener, err := executor.Listen(cfg.RendezvousAddr, cfg.HandshakeTimeout, core)
	if err != nil {
		log.Fatal("Failed to start rendezvous listener", zap.Error(err))
	}
	listenerFailed := make(chan error, 1)
	go func() {
		if err := listener.Serve(); err != nil {
			listenerFailed <- err
		}
	}()

	scheduler := executor.NewScheduler(cm, listener, executor.Options{
		QueueSize:      cfg.QueueSize,
		ConnectTimeout: cfg.ConnectTimeout,
	}, core)

	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("ignition"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal("Failed to connect to NATS",
			zap.String("url", cfg.NatsURL),
			zap.Error(err))
	}

	handlerCtx, stopHandlers := context.WithCancel(context.Background())
	defer stopHandlers()
	svc := service.NewProcessService(scheduler, cfg.MaxCodeLength, log)
	handler := natshandler.New(handlerCtx, svc, nc, streamer, log)

	processSub, err := nc.Subscribe(cfg.NatsSubject, handler.HandleProcessRequest)
	if err != nil {
		log.Fatal("Failed to subscribe", zap.String("subject", cfg.NatsSubject), zap.Error(err))
	}
	languagesSub, err := nc.Subscribe(cfg.NatsLanguagesSubject, handler.HandleLanguagesRequest)
	if err != nil {
		log.Fatal("Failed to subscribe", zap.String("subject", cfg.NatsLanguagesSubject), zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:        cfg.MetricsAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Ignition started",
		zap.String("rendezvous", cfg.RendezvousAddr),
		zap.String("subject", cfg.NatsSubject),
		zap.Int("slots", cfg.QueueSize))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// without the rendezvous socket no request can complete, so exit and
	// let the supervisor restart the service
	exitCode := 0
	select {
	case sig := <-stop:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-listenerFailed:
		log.Error("Rendezvous listener stopped, shutting down", zap.Error(err))
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = processSub.Drain()
	_ = languagesSub.Drain()

	if err := scheduler.Shutdown(ctx); err != nil {
		log.Warn("Scheduler shutdown incomplete", zap.Error(err))
	}
	stopHandlers()
	handler.Wait()

	if err := nc.Drain(); err != nil {
		log.Warn("Failed to drain NATS connection", zap.Error(err))
	}
	listener.Close()
	cm.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
	log.Info("Shutdown complete")

	if exitCode != 0 {
		streamer.Flush()
		log.Sync()
		os.Exit(exitCode)
	}
}
