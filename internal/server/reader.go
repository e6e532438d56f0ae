package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-cam360/internal/hub"
	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/wire"
)

// startReader launches the goroutine decoding client requests and queueing
// their replies on the client's outbound channel.
func (s *Server) startReader(ctx context.Context, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, 16, func(u wire.Unit) {
				s.handleUnit(ctx, u, cl, logger)
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case <-cl.Closed:
						return
					default:
					}
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(errLabel(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

func (s *Server) handleUnit(ctx context.Context, u wire.Unit, cl *hub.Client, logger *slog.Logger) {
	if u.Kind != wire.KindRequest {
		s.stats.ignored.Add(1)
		logger.Debug("client_unexpected_kind", "kind", u.Kind.String())
		return
	}
	req, err := wire.DecodeRequest(u)
	if err != nil {
		metrics.IncMalformed()
		s.stats.ignored.Add(1)
		logger.Debug("client_bad_request", "error", err)
		return
	}
	metrics.IncRelayRx()
	s.stats.requests.Add(1)
	rep := s.exec(ctx, req)
	rep.Tag = req.Tag
	if !rep.OK() {
		s.stats.requestErrors.Add(1)
		logger.Debug("request_failed", "command", req.Name, "status", rep.Status, "detail", rep.Payload)
	}
	// Replies are never dropped: wait for queue space unless the client goes away.
	select {
	case cl.Out <- wire.EncodeReply(rep):
	case <-cl.Closed:
	case <-ctx.Done():
	}
}
