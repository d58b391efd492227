// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package api exposes the gateway over HTTP: synchronous register reads,
// asynchronous writes, serial reconfiguration, status and log access.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/gateway"
	"modbus-bridge/internal/logbuf"
)

// Server wires the HTTP handlers around the gateway.
type Server struct {
	cfg        config.HttpConfig
	gw         *gateway.Gateway
	dispatcher *gateway.Dispatcher
	logs       *logbuf.Ring
	httpServer *http.Server
}

func NewServer(cfg config.HttpConfig, gw *gateway.Gateway, dispatcher *gateway.Dispatcher, logs *logbuf.Ring) *Server {
	return &Server{
		cfg:        cfg,
		gw:         gw,
		dispatcher: dispatcher,
		logs:       logs,
	}
}

// Router builds the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = s.cfg.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.health)

	group := router.Group("/api")
	group.POST("/modbus/read", s.readRegisters)
	group.POST("/modbus/write", s.writeRegisters)
	group.GET("/status", s.status)
	group.PUT("/config/serial", s.reconfigureSerial)
	group.GET("/logs", s.listLogs)
	group.GET("/logs/stream", s.streamLogs)
	return router
}

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", "address", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
