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

// Package mocktak impersonates a TAK server's network surface for
// integration tests: a mutual-TLS streaming listener, a mutual-TLS HTTPS API
// listener, and a plain HTTP listener playing the OAuth/enrollment side. The
// instance acts as its own certificate authority, so the certificates it
// signs during an enrollment flow are exactly the ones its TLS listeners
// trust.
package mocktak

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/api"
	"github.com/TAK-NZ/CloudTAK-sub001/internal/ca"
	"github.com/TAK-NZ/CloudTAK-sub001/internal/storage"
)

// Fixed localhost ports consumed by test drivers. Tests that cannot assume
// free ports may override the addresses (":0") through Config.
const (
	DefaultStreamingAddr = "127.0.0.1:8089"
	DefaultAPIAddr       = "127.0.0.1:8443"
	DefaultAuthAddr      = "127.0.0.1:8080"
)

// ErrClosed is reported for operations on a server that has been closed.
var ErrClosed = errors.New("mocktak: server closed")

// Config carries the construction-time knobs of a Server. The zero value
// plus a CADir is a working configuration: fixed default ports, no default
// handlers, default token signer.
type Config struct {
	// CADir is the directory holding the instance's CA material and
	// transient signing artifacts. Required.
	CADir string

	StreamingAddr string
	APIAddr       string
	AuthAddr      string

	// EnableAPIDefaults installs the canned HTTPS API behaviors at
	// construction and on every Reset.
	EnableAPIDefaults bool
	// EnableAuthDefaults installs the canned OAuth/enrollment behaviors at
	// construction and on every Reset.
	EnableAuthDefaults bool

	// TokenSigner issues access tokens for the default token endpoint.
	// Nil selects HS256 with api.DefaultTokenSecret.
	TokenSigner api.TokenSigner

	// PasswordHash, when set, is a bcrypt digest the default token endpoint
	// verifies the password query parameter against.
	PasswordHash []byte

	// OnStream, when set, is handed each streaming connection after its
	// handshake completes and owns all reads and writes until it returns.
	// When nil the server drains and discards inbound bytes.
	OnStream func(net.Conn)
}

// UnhandledRequest records an API request no handler in the active chain
// claimed. Its presence marks a gap in the test's behavior assumptions.
type UnhandledRequest struct {
	Listener string
	Method   string
	Path     string
}

// Server is one mock instance: CA material, three listeners, two handler
// chains, and the set of live streaming sockets. Construction binds
// everything synchronously; Close is terminal.
type Server struct {
	CA *ca.CA

	cfg    Config
	signer api.TokenSigner

	apiChain  *api.Chain
	authChain *api.Chain

	streamLn  net.Listener
	streamTLS *tls.Config

	apiLn  net.Listener
	apiSrv *http.Server

	authLn  net.Listener
	authSrv *http.Server

	// conns tracks every accepted streaming socket from accept time; the
	// value stays nil until the TLS handshake completes. closing flips once
	// teardown begins so no socket can slip in behind the destroy pass.
	conns   map[net.Conn]*tls.Conn
	closing bool
	connMu  sync.Mutex

	unhandled   []UnhandledRequest
	unhandledMu sync.Mutex

	errs chan error

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New provisions CA material and binds all three listeners before returning.
// There is no partial-success state: any failure unwinds whatever was
// already bound and returns an error.
func New(cfg Config) (*Server, error) {
	if cfg.CADir == "" {
		return nil, fmt.Errorf("mocktak: CADir is required")
	}
	if cfg.StreamingAddr == "" {
		cfg.StreamingAddr = DefaultStreamingAddr
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	if cfg.AuthAddr == "" {
		cfg.AuthAddr = DefaultAuthAddr
	}

	store := storage.New(cfg.CADir)
	myCA := ca.New(store)
	if err := myCA.Bootstrap(); err != nil {
		return nil, fmt.Errorf("mocktak: CA generation failed: %w", err)
	}

	s := &Server{
		CA:     myCA,
		cfg:    cfg,
		signer: cfg.TokenSigner,
		conns:  make(map[net.Conn]*tls.Conn),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
	if s.signer == nil {
		s.signer = api.HS256Signer{Secret: api.DefaultTokenSecret}
	}

	s.apiChain = api.NewChain(s.defaultAPIHandlers()...)
	s.authChain = api.NewChain(s.defaultAuthHandlers()...)

	// Both mutual-TLS listeners present the same CA-signed server leaf and
	// trust only the instance root for client certificates.
	certPEM, keyPEM, err := myCA.IssueCert("localhost",
		[]string{"localhost"},
		[]net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")})
	if err != nil {
		return nil, fmt.Errorf("mocktak: server certificate issuance failed: %w", err)
	}
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("mocktak: server certificate unusable: %w", err)
	}

	mtls := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    myCA.CertPool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	s.streamTLS = mtls

	if err := s.bind(mtls); err != nil {
		return nil, err
	}

	slog.Info("Mock TAK server listening",
		"streaming", s.StreamingAddr(),
		"api", s.APIAddr(),
		"auth", s.AuthAddr(),
	)
	return s, nil
}

// bind opens all three listeners and starts their serve loops. On any
// failure the already-bound listeners are closed again.
func (s *Server) bind(mtls *tls.Config) error {
	var err error

	s.streamLn, err = net.Listen("tcp", s.cfg.StreamingAddr)
	if err != nil {
		return fmt.Errorf("mocktak: streaming bind on %s failed: %w", s.cfg.StreamingAddr, err)
	}

	s.apiLn, err = net.Listen("tcp", s.cfg.APIAddr)
	if err != nil {
		s.streamLn.Close()
		return fmt.Errorf("mocktak: API bind on %s failed: %w", s.cfg.APIAddr, err)
	}

	s.authLn, err = net.Listen("tcp", s.cfg.AuthAddr)
	if err != nil {
		s.streamLn.Close()
		s.apiLn.Close()
		return fmt.Errorf("mocktak: auth bind on %s failed: %w", s.cfg.AuthAddr, err)
	}

	// Client-side handshake noise (probes, bad certs) is expected traffic
	// for this fixture; keep net/http's complaints at debug.
	httpErrLog := slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)

	s.apiSrv = &http.Server{
		Handler:           s.dispatcher("https-api", s.apiChain),
		TLSConfig:         mtls,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          httpErrLog,
	}
	s.authSrv = &http.Server{
		Handler:           s.dispatcher("http-auth", s.authChain),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          httpErrLog,
	}

	s.wg.Add(3)
	go s.acceptStreams()
	go func() {
		defer s.wg.Done()
		s.apiSrv.Serve(tls.NewListener(s.apiLn, mtls))
	}()
	go func() {
		defer s.wg.Done()
		s.authSrv.Serve(s.authLn)
	}()

	return nil
}

func (s *Server) defaultAPIHandlers() []api.Handler {
	if !s.cfg.EnableAPIDefaults {
		return nil
	}
	return api.DefaultAPIHandlers()
}

func (s *Server) defaultAuthHandlers() []api.Handler {
	if !s.cfg.EnableAuthDefaults {
		return nil
	}
	return api.DefaultAuthHandlers(s.signer, s.CA, s.cfg.PasswordHash)
}

// dispatcher adapts a chain to net/http. A request no handler claims is a
// hole in the test's mock coverage: it is recorded, logged at error level,
// and the connection is torn down without an HTTP response so the client
// side fails hard too.
func (s *Server) dispatcher(listener string, chain *api.Chain) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chain.Dispatch(w, r) {
			return
		}

		rec := UnhandledRequest{Listener: listener, Method: r.Method, Path: r.URL.Path}
		s.unhandledMu.Lock()
		s.unhandled = append(s.unhandled, rec)
		s.unhandledMu.Unlock()

		slog.Error("Unhandled operation", "listener", listener, "method", r.Method, "path", r.URL.Path)
		s.signalError(fmt.Errorf("mocktak: unhandled operation %s %s on %s", r.Method, r.URL.Path, listener))
		panic(http.ErrAbortHandler)
	})
}

// APIChain returns the handler chain of the authenticated HTTPS listener.
func (s *Server) APIChain() *api.Chain { return s.apiChain }

// AuthChain returns the handler chain of the plain HTTP listener.
func (s *Server) AuthChain() *api.Chain { return s.authChain }

// StreamingAddr returns the bound address of the streaming listener.
func (s *Server) StreamingAddr() string { return s.streamLn.Addr().String() }

// APIAddr returns the bound address of the HTTPS API listener.
func (s *Server) APIAddr() string { return s.apiLn.Addr().String() }

// AuthAddr returns the bound address of the plain HTTP listener.
func (s *Server) AuthAddr() string { return s.authLn.Addr().String() }

// Unhandled returns a copy of the unhandled-operation records accumulated
// since construction or the last Reset.
func (s *Server) Unhandled() []UnhandledRequest {
	s.unhandledMu.Lock()
	defer s.unhandledMu.Unlock()
	out := make([]UnhandledRequest, len(s.unhandled))
	copy(out, s.unhandled)
	return out
}

// Errors exposes non-fatal listener-level error signals: socket errors on
// the streaming listener and unhandled-operation failures. The channel is
// buffered; signals beyond the buffer are dropped, never blocked on.
func (s *Server) Errors() <-chan error { return s.errs }

func (s *Server) signalError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Reset restores both chains to the configured defaults (or empty chains
// when the corresponding enable flag was not set), discarding any handlers a
// test added, and clears the unhandled-operation records. Listeners stay
// bound; calling Reset repeatedly is harmless.
func (s *Server) Reset() {
	s.apiChain.Replace(s.defaultAPIHandlers()...)
	s.authChain.Replace(s.defaultAuthHandlers()...)

	s.unhandledMu.Lock()
	s.unhandled = nil
	s.unhandledMu.Unlock()

	slog.Debug("Handler chains reset",
		"api_defaults", s.cfg.EnableAPIDefaults,
		"auth_defaults", s.cfg.EnableAuthDefaults,
	)
}

// ClientTLSConfig issues a fresh CA-signed client identity for cn and
// returns a TLS config that presents it and trusts the instance root, ready
// to dial either mutual-TLS listener.
func (s *Server) ClientTLSConfig(cn string) (*tls.Config, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	certPEM, keyPEM, err := s.CA.IssueCert(cn, nil, nil)
	if err != nil {
		return nil, err
	}
	clientCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      s.CA.CertPool(),
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Close tears the instance down: the three listeners are closed
// concurrently, every live streaming socket is forcibly destroyed, and the
// call returns only once all serve loops have stopped. The instance must
// not be reused afterwards.
func (s *Server) Close() error {
	var errAPI, errAuth error

	s.closeOnce.Do(func() {
		close(s.closed)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			s.streamLn.Close()
			s.destroyStreams()
		}()
		go func() {
			defer wg.Done()
			errAPI = shutdownHTTP(s.apiSrv)
		}()
		go func() {
			defer wg.Done()
			errAuth = shutdownHTTP(s.authSrv)
		}()
		wg.Wait()

		s.wg.Wait()
		slog.Info("Mock TAK server closed")
	})

	return errors.Join(errAPI, errAuth)
}

// shutdownHTTP gives in-flight responses a short graceful window, then
// closes hard. Close must always resolve; it never waits indefinitely.
func shutdownHTTP(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		if closeErr := srv.Close(); closeErr != nil && !errors.Is(closeErr, http.ErrServerClosed) {
			return closeErr
		}
	}
	return nil
}
