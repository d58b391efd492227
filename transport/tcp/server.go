// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"modbus-bridge/modbus"
	"modbus-bridge/transport"
)

// Server accepts Modbus TCP clients and translates their MBAP frames onto
// the handler. Connections are independent; the bus lock behind the handler
// is what actually serializes physical access, first-come-first-served.
type Server struct {
	Address string
	Handler transport.RequestHandler

	// WriteTimeout bounds each response send so one stalled client cannot
	// block its connection goroutine forever. An expired send closes the
	// connection: a partial MBAP write would corrupt the stream.
	WriteTimeout time.Duration

	listener net.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string, writeTimeout time.Duration) *Server {
	return &Server{
		Address:      address,
		WriteTimeout: writeTimeout,
	}
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.Handler = handler
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("Failed to accept connection", "err", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the bound listener address, once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the server listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Info("New TCP client connected", "addr", conn.RemoteAddr())

	// Requests are buffered per connection: a read may deliver a partial
	// frame or several complete ones, and both must be handled. Complete
	// frames are processed in arrival order.
	var buf []byte
	tmp := make([]byte, 1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(tmp)
		if err != nil {
			if err == io.EOF {
				slog.Info("TCP client disconnected gracefully", "addr", conn.RemoteAddr())
			} else {
				slog.Error("Failed to read from connection", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}
		buf = append(buf, tmp[:n]...)

		for len(buf) >= headerSize {
			protocolID := binary.BigEndian.Uint16(buf[2:4])
			length := binary.BigEndian.Uint16(buf[4:6])

			if protocolID != 0 || length == 0 || length > maxLength {
				// The length field cannot be trusted, so the frames
				// behind it cannot be delimited. Drop the buffered
				// bytes; the connection stays open.
				slog.Warn("Discarding malformed frame",
					"addr", conn.RemoteAddr(), "protocol_id", protocolID, "length", length)
				buf = buf[:0]
				break
			}

			total := 6 + int(length)
			if len(buf) < total {
				// Partial frame: wait for more bytes.
				break
			}

			frame := buf[:total]
			if !s.serveFrame(ctx, conn, frame) {
				return
			}
			buf = append(buf[:0], buf[total:]...)
		}
	}
}

// serveFrame translates one complete MBAP frame. Returns false when the
// connection must be dropped.
func (s *Server) serveFrame(ctx context.Context, conn net.Conn, frame []byte) bool {
	adu, err := Decode(frame)
	if err != nil {
		// Single malformed frame: discard it, keep the connection.
		slog.Warn("Failed to decode TCP request", "addr", conn.RemoteAddr(), "err", err)
		return true
	}

	respPdu, err := s.Handler(ctx, adu.SlaveID, adu.Pdu)

	respAdu := &ApplicationDataUnit{
		TransactionID: adu.TransactionID,
		ProtocolID:    0,
		SlaveID:       adu.SlaveID,
	}
	if err != nil {
		// Synthesize an exception response, echoing the original
		// transaction id. Device-reported exceptions keep their code;
		// everything the gateway failed at itself maps to 0x0B.
		respAdu.Pdu = exceptionPDU(adu.Pdu.FunctionCode, err)
		slog.Warn("Transaction failed",
			"addr", conn.RemoteAddr(), "slave", adu.SlaveID,
			"func", fmt.Sprintf("0x%02X", adu.Pdu.FunctionCode),
			"tid", adu.TransactionID, "err", err)
	} else {
		respAdu.Pdu = respPdu
	}

	raw, err := respAdu.Encode()
	if err != nil {
		slog.Error("Failed to encode TCP response", "err", err)
		return true
	}

	if s.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	if _, err := conn.Write(raw); err != nil {
		slog.Error("Failed to write response, dropping connection",
			"addr", conn.RemoteAddr(), "err", err)
		return false
	}
	conn.SetWriteDeadline(time.Time{})
	return true
}

// exceptionPDU maps a transaction failure to the exception PDU sent to the
// TCP client.
func exceptionPDU(functionCode byte, err error) modbus.ProtocolDataUnit {
	code := byte(modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond)

	var exc *modbus.ExceptionError
	if errors.As(err, &exc) {
		code = exc.ExceptionCode
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{code},
	}
}
