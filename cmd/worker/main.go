package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logrus "github.com/sirupsen/logrus"

	"ignition/config"
	"ignition/worker"
)

func main() {
	cfg := config.LoadWorkerConfig()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if cfg.Token == "" {
		logger.Fatal("IGNITION_TOKEN is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(worker.Options{
		Addr:       cfg.Addr,
		Token:      cfg.Token,
		Timeout:    cfg.Timeout,
		ScratchDir: cfg.ScratchDir,
	}, logger)

	if err := w.Run(ctx); err != nil {
		logger.WithError(err).Fatal("Worker failed")
	}
}
