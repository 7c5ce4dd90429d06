package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

// readBatch bounds how many frames one DecodeN call hands to the backend
// before the context is checked again.
const readBatch = 16

// startReader decodes frames from the client and hands them to Send.
// A malformed frame ends the connection; the stream cannot be resynchronized.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close()
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, readBatch, func(fr can.Frame) { s.forward(fr, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", err)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(fr) {
		return
	}
	metrics.IncTCPRx()
	err := s.Send(fr)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrOverflow):
		s.totalBackendOverflow.Add(1)
		metrics.IncError(metrics.ErrBackendOver)
		logger.Debug("backend_overflow_drop", "frame", fr.String())
	default:
		wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalBackendErrors.Add(1)
		logger.Error("backend_tx_error", "error", err, "frame", fr.String())
	}
}
