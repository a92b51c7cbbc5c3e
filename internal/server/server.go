package server

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

var ErrServerClosed = errors.New("pageserver: Server closed")

// DefaultMaxRecvSize fits a base image and a few thousand typical records.
const DefaultMaxRecvSize = 16 << 20

type Config struct {
	MaxRecvSize int

	// MaxConnections caps concurrently served connections. Zero means no limit.
	MaxConnections int
}

// Server serves redo requests from page readers.
type Server struct {
	config   Config
	log      logrus.FieldLogger
	managers Managers

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewServer(log logrus.FieldLogger, config Config, managers Managers) *Server {
	if config.MaxRecvSize <= 0 {
		config.MaxRecvSize = DefaultMaxRecvSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		log:      log,
		managers: managers,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called, in which case
// it returns ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Infof("serving redo requests on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			// stop accepting connection on shutdown
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			s.log.WithError(err).Error("error accepting new connection")
			return err
		}

		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}

		// handle the connection
		go func() {
			defer s.wg.Done()
			s.Handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for conn := range s.conns {
			_ = conn.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle handles client connection
func (s *Server) Handle(conn net.Conn) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Info("connect")

	redoConn := NewConnection(log, s.managers, conn)
	defer func() {
		_ = redoConn.Close()
		s.untrack(conn)
	}()

	for {
		cmd, err := redoConn.readCommand(s.config.MaxRecvSize)
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				log.Info("disconnect")
			} else {
				log.WithError(err).Error("error reading command")
			}
			return
		}

		if err := redoConn.Handle(s.ctx, cmd); err != nil {
			log.WithError(err).Error("terminating connection: error handling command")
			return
		}
	}
}
