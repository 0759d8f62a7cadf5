package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal/config"
	"github.com/gostones/s3queue/internal/server"
	"github.com/gostones/s3queue/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := cfg.Logger()

	backend, err := storage.NewS3Backend(cfg.S3(), log)
	if err != nil {
		log.Fatal(err)
	}

	hostport := fmt.Sprintf(":%v", cfg.Port)
	srv := &http.Server{
		Addr:              hostport,
		Handler:           server.New(backend, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.WithFields(logrus.Fields{"addr": hostport, "bucket": backend.Bucket()}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
