package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tiancaiamao/acp/pkg/acp"
	"github.com/tiancaiamao/acp/pkg/agent"
	"github.com/tiancaiamao/acp/pkg/config"
	debughttp "github.com/tiancaiamao/acp/pkg/http"
	"github.com/tiancaiamao/acp/pkg/logger"
	"github.com/tiancaiamao/acp/pkg/session"
	"github.com/tiancaiamao/acp/pkg/traceevent"
)

func serve(ctx context.Context, cfg *config.Config, debugAddr string, in io.Reader, out io.Writer) error {
	log, err := logger.New(logger.Config{
		Level:    cfg.Log.Level,
		Console:  true,
		Writer:   os.Stderr,
		FilePath: cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	slog.SetDefault(log.Logger)

	var tracer *traceevent.Recorder
	if cfg.Log.TraceFile != "" {
		tracer, err = traceevent.Create(cfg.Log.TraceFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := tracer.Close(); err != nil {
				log.Warn("close trace file", "err", err)
			}
		}()
	}

	metrics := agent.NewMetrics()
	if debugAddr != "" {
		debugCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := debughttp.Serve(debugCtx, debugAddr, metrics, log.Logger); err != nil {
				log.Error("debug server", "err", err)
			}
		}()
	}

	a := acp.New(in, out, acp.Options{
		Config:  cfg,
		Store:   session.NewStore(cfg.SessionsDir, log.Logger),
		Engine:  agent.EchoEngine{},
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  log.Logger,
		Version: Version,
	})
	if err := a.Serve(ctx); err != nil {
		log.Error("connection failed", "err", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}
