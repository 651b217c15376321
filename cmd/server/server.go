package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/builtin"
	"github.com/nickyhof/rxbind/cproto"
	"github.com/panjf2000/ants/v2"
)

// Config configures a Server
type Config struct {
	// Path is the storage directory; empty keeps everything in memory
	Path string

	// Remote is a git URL the storage directory is cloned from
	Remote string

	// MaxConnections bounds concurrent sessions (0 = unlimited)
	MaxConnections int

	// MetricsAddr serves /metrics when set
	MetricsAddr string

	Auth   *AuthConfig
	Logger *slog.Logger
}

// Server hosts a builtin engine behind the cproto protocol
type Server struct {
	cfg     Config
	log     *slog.Logger
	engine  *builtin.Engine
	rx      api.Handle
	metrics *metrics

	listener   net.Listener
	metricsSrv *http.Server
	pool       *ants.Pool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// storageDSN builds the builtin DSN for the configured storage
func storageDSN(path, remote string) string {
	dsn := builtin.Scheme + path
	if path != "" && remote != "" {
		dsn += "?remote=" + url.QueryEscape(remote)
	}
	return dsn
}

// NewServer opens the storage and prepares a server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	engine := builtin.New()
	rx, err := engine.Init(api.Config{Logger: cfg.Logger, ClientName: "rxserver"})
	if err != nil {
		return nil, fmt.Errorf("failed to init engine: %w", err)
	}
	if err := engine.Connect(context.Background(), rx, storageDSN(cfg.Path, cfg.Remote)); err != nil {
		_ = engine.Destroy(rx)
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "server"),
		engine:  engine,
		rx:      rx,
		metrics: newMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start begins listening for connections on addr
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	if s.cfg.MaxConnections > 0 {
		pool, err := ants.NewPool(s.cfg.MaxConnections, ants.WithPanicHandler(func(v any) {
			s.log.Error("connection handler panic", "panic", v)
		}))
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		s.pool = pool
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.handler())
		s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics server failed", "error", err)
			}
		}()
	}

	s.log.Info("listening", "addr", listener.Addr().String(), "auth", s.cfg.Auth.Enabled())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every session, then the storage
func (s *Server) Stop() error {
	close(s.done)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	if s.pool != nil {
		_ = s.pool.ReleaseTimeout(3 * time.Second)
	}
	s.log.Info("stopped")
	return s.engine.Destroy(s.rx)
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Error("accept failed", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		handle := func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}
		if s.pool == nil {
			go handle()
			continue
		}
		if err := s.pool.Submit(handle); err != nil {
			s.log.Warn("connection rejected", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			s.wg.Done()
		}
	}
}

func (s *Server) track(conn net.Conn, open bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
		s.metrics.sessions.Inc()
	} else {
		delete(s.conns, conn)
		s.metrics.sessions.Dec()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	s.track(conn, true)
	defer s.track(conn, false)

	sess := newSession(s)
	defer sess.release()
	log := s.log.With("session", sess.id, "remote", conn.RemoteAddr().String())
	log.Debug("client connected")

	reader := bufio.NewReader(conn)
	for {
		codec, payload, err := cproto.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read failed", "error", err)
			}
			log.Debug("client disconnected")
			return
		}

		var req cproto.Request
		if err := cproto.Decode(payload, &req); err != nil {
			log.Warn("bad request", "error", err)
			return
		}

		resp := sess.handle(req)
		data, err := cproto.Encode(resp)
		if err != nil {
			log.Error("failed to encode response", "error", err)
			return
		}
		if err := cproto.WriteFrame(conn, codec, data); err != nil {
			log.Warn("write failed", "error", err)
			return
		}
	}
}
