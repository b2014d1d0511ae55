// Copyright (C) 2026 TAK.NZ
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package mocktak

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

const handshakeTimeout = 10 * time.Second

// acceptStreams is the streaming listener's accept loop. Accept errors are
// non-fatal signals except for the listener itself being closed.
func (s *Server) acceptStreams() {
	defer s.wg.Done()

	for {
		raw, err := s.streamLn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Streaming accept failed", "error", err)
			s.signalError(err)
			continue
		}

		s.wg.Add(1)
		go s.handleStream(raw)
	}
}

// handleStream drives the TLS handshake eagerly so certificate rejection
// happens at accept time rather than on first read. Connections presenting
// no certificate, or one this instance's CA never signed, are dropped here
// and never complete into the connection set.
//
// The raw socket is tracked from accept time, before the handshake, so the
// destroy pass at Close covers sockets whose handshake is still in flight:
// closing the raw socket aborts HandshakeContext immediately.
func (s *Server) handleStream(raw net.Conn) {
	defer s.wg.Done()

	s.connMu.Lock()
	if s.closing {
		s.connMu.Unlock()
		raw.Close()
		return
	}
	s.conns[raw] = nil
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, raw)
		s.connMu.Unlock()
	}()

	tlsConn := tls.Server(raw, s.streamTLS)

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		slog.Debug("Streaming handshake rejected", "remote", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}

	state := tlsConn.ConnectionState()
	cn := ""
	if len(state.PeerCertificates) > 0 {
		cn = state.PeerCertificates[0].Subject.CommonName
	}
	slog.Debug("Streaming connection established", "remote", raw.RemoteAddr(), "cn", cn)

	s.connMu.Lock()
	if s.closing {
		s.connMu.Unlock()
		tlsConn.Close()
		return
	}
	s.conns[raw] = tlsConn
	s.connMu.Unlock()

	defer func() {
		tlsConn.Close()
		slog.Debug("Streaming connection closed", "remote", raw.RemoteAddr(), "cn", cn)
	}()

	if s.cfg.OnStream != nil {
		s.cfg.OnStream(tlsConn)
		return
	}

	// No protocol is spoken here by default; the socket exists to be driven
	// by the test side. Drain until the peer goes away or Close destroys us.
	io.Copy(io.Discard, tlsConn)
}

// OpenStreams reports the number of live streaming connections, i.e. those
// whose handshake has completed. Sockets still mid-handshake are tracked for
// teardown but not counted.
func (s *Server) OpenStreams() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	n := 0
	for _, tlsConn := range s.conns {
		if tlsConn != nil {
			n++
		}
	}
	return n
}

// destroyStreams forcibly tears down every tracked socket, handshaken or
// not: a TCP reset, not a graceful FIN, so blocked peers fail immediately.
// Setting closing under the same lock means any handshake finishing after
// this pass finds the flag and closes itself instead of entering the set.
func (s *Server) destroyStreams() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.closing = true
	for raw := range s.conns {
		if tcp, ok := raw.(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
		raw.Close()
	}
}
