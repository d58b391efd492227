// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/gateway"
	"modbus-bridge/modbus"
)

type readRequest struct {
	SlaveID  byte   `json:"slave_id" binding:"required"`
	Address  uint16 `json:"address"`
	Quantity uint16 `json:"quantity" binding:"required"`
}

type readResponse struct {
	SlaveID  byte     `json:"slave_id"`
	Address  uint16   `json:"address"`
	Quantity uint16   `json:"quantity"`
	Values   []uint16 `json:"values"`
}

type writeRequest struct {
	SlaveID byte     `json:"slave_id" binding:"required"`
	Address uint16   `json:"address"`
	Value   *uint16  `json:"value"`
	Values  []uint16 `json:"values"`
}

func (s *Server) readRegisters(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	values, err := s.gw.ReadHoldingRegisters(c.Request.Context(), req.SlaveID, req.Address, req.Quantity)
	if err != nil {
		writeModbusError(c, err)
		return
	}
	c.JSON(http.StatusOK, readResponse{
		SlaveID:  req.SlaveID,
		Address:  req.Address,
		Quantity: req.Quantity,
		Values:   values,
	})
}

func (s *Server) writeRegisters(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	values := req.Values
	if len(values) == 0 {
		if req.Value == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "value or values is required"})
			return
		}
		values = []uint16{*req.Value}
	}
	if len(values) > 123 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many values"})
		return
	}

	accepted := s.dispatcher.Submit(gateway.WriteRequest{
		SlaveID: req.SlaveID,
		Address: req.Address,
		Values:  values,
	})
	c.JSON(http.StatusAccepted, accepted)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Status())
}

func (s *Server) reconfigureSerial(c *gin.Context) {
	var serial config.SerialConfig
	if err := c.ShouldBindJSON(&serial); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := config.ValidateSerial(serial); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gw.Reconfigure(serial); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (s *Server) listLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.logs.Snapshot()})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamLogs upgrades to a websocket and pushes log entries as they are
// appended. The client is dropped when its connection stalls.
func (s *Server) streamLogs(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	entries, unsubscribe := s.logs.Subscribe()
	defer unsubscribe()

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry := <-entries:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeModbusError maps transaction failures onto HTTP status codes.
func writeModbusError(c *gin.Context, err error) {
	var exc *modbus.ExceptionError
	switch {
	case errors.As(err, &exc):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":          exc.Error(),
			"function_code":  exc.FunctionCode,
			"exception_code": exc.ExceptionCode,
		})
	case errors.Is(err, modbus.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, modbus.ErrBusBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
