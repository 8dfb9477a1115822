package pop3

import (
	"fmt"
	"net"

	"crypto/tls"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	uuid "github.com/satori/go.uuid"

	"github.com/addrummond/imask/account"
	"github.com/addrummond/imask/config"
	"github.com/addrummond/imask/crypto"
)

// Structs

// ServerMetrics bundles the instrumentation of the POP3 side.
type ServerMetrics struct {
	Sessions metrics.Counter
	Commands metrics.Counter
}

// Server accepts POP3 connections and hands each one to a
// session goroutine.
type Server struct {
	logger     log.Logger
	metrics    ServerMetrics
	registry   *account.Registry
	strictCRLF bool
	Socket     net.Listener
}

// Functions

// NewServer bundles the session-independent parts of the POP3
// side. The listener is attached by InitServer.
func NewServer(logger log.Logger, metrics ServerMetrics, registry *account.Registry, strictCRLF bool) *Server {

	return &Server{
		logger:     logger,
		metrics:    metrics,
		registry:   registry,
		strictCRLF: strictCRLF,
	}
}

// InitServer opens the listen socket on the configured
// address, with TLS when certificate material is configured.
func InitServer(logger log.Logger, metrics ServerMetrics, conf *config.Config, registry *account.Registry) (*Server, error) {

	var err error

	srv := NewServer(logger, metrics, registry, conf.StrictCRLF)

	if conf.TLS != nil {

		tlsConfig, err := crypto.NewPublicTLSConfig(conf.TLS.CertLoc, conf.TLS.KeyLoc)
		if err != nil {
			return nil, err
		}

		srv.Socket, err = tls.Listen("tcp", conf.ListenAddr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("listening for public TLS connections failed with: %v", err)
		}
	} else {

		srv.Socket, err = net.Listen("tcp", conf.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listening for public connections failed with: %v", err)
		}
	}

	level.Info(logger).Log(
		"msg", "listening for incoming POP3 requests",
		"addr", srv.Socket.Addr().String(),
	)

	return srv, nil
}

// Run loops over incoming connections and dispatches each one
// into its own session goroutine.
func (srv *Server) Run() error {

	for {

		conn, err := srv.Socket.Accept()
		if err != nil {
			return fmt.Errorf("accepting incoming POP3 connection failed with: %v", err)
		}

		go srv.HandleConnection(conn)
	}
}

// HandleConnection runs one session's command loop to
// completion.
func (srv *Server) HandleConnection(conn net.Conn) {

	id := uuid.NewV4().String()

	srv.metrics.Sessions.Add(1)

	sess := &Session{
		id:       id,
		logger:   log.With(srv.logger, "session", id),
		conn:     NewConnection(conn, srv.strictCRLF),
		registry: srv.registry,
		metrics:  srv.metrics,
		state:    stateAwaitingUser,
	}

	sess.serve()
}
