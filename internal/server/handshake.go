package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-cam360/internal/relay"
)

// RelayHandshake runs the hello exchange every client must complete.
func (s *Server) RelayHandshake(ctx context.Context, c net.Conn) error {
	return relay.Handshake(ctx, c, s.handshakeTimeout)
}
