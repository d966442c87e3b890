package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"codecollab/app"
	"codecollab/pkg/logger"
)

func main() {
	server, err := app.NewServer()
	if err != nil {
		logger.Log.Fatal("failed to start", zap.Error(err))
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Start("") }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	case s := <-sig:
		logger.Infof("received %s, shutting down", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}
