// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"modbus-bridge/internal/api"
	"modbus-bridge/internal/config"
	"modbus-bridge/internal/gateway"
	"modbus-bridge/internal/logbuf"
	"modbus-bridge/internal/stats"
	"modbus-bridge/internal/store"
	"modbus-bridge/transport"
	"modbus-bridge/transport/rtu"
	"modbus-bridge/transport/tcp"
)

func main() {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logRing := logbuf.NewRing(cfg.Log.RingSize)
	setupLogger(cfg.Log, logRing)

	slog.Info("Starting Modbus Bridge...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("Failed to create storage", "err", err)
		os.Exit(1)
	}

	counters := &stats.Counters{}
	engine := rtu.NewEngine(cfg.Serial, cfg.Timing, counters)

	var upstreams []transport.Upstream
	tcpServer := tcp.NewServer(cfg.Tcp.Address, cfg.Tcp.WriteTimeout)
	upstreams = append(upstreams, tcpServer)

	gw, err := gateway.New(cfg, engine, upstreams, counters, storage)
	if err != nil {
		slog.Error("Failed to create gateway", "err", err)
		os.Exit(1)
	}

	dispatcher := gateway.NewDispatcher(gw)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Start(ctx); err != nil {
			slog.Error("Gateway stopped with error", "err", err)
		}
	}()

	httpCtx, cancelHTTP := context.WithCancel(ctx)
	defer cancelHTTP()
	var httpWg sync.WaitGroup
	if cfg.Http.Enabled {
		httpServer := api.NewServer(cfg.Http, gw, dispatcher, logRing)
		httpWg.Add(1)
		go func() {
			defer httpWg.Done()
			if err := httpServer.Start(httpCtx); err != nil {
				slog.Error("HTTP server stopped with error", "err", err)
			}
		}()
	}

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	// Stop the API first so no new async writes arrive, drain the accepted
	// ones, and only then let the gateway run its final state flush.
	cancelHTTP()
	httpWg.Wait()
	dispatcher.Drain()
	cancel()
	wg.Wait()
	slog.Info("Goodbye.")
}

func setupLogger(cfg config.LogConfig, ring *logbuf.Ring) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" && cfg.File != "-" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	handler := logbuf.NewHandler(ring, slog.NewTextHandler(out, opts))
	slog.SetDefault(slog.New(handler))
}
