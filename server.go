package beepboop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/audit"
	"github.com/thesammykins/beep-boop-mcp/internal/clock"
	"github.com/thesammykins/beep-boop-mcp/internal/conversation"
	"github.com/thesammykins/beep-boop-mcp/internal/coordination"
	"github.com/thesammykins/beep-boop-mcp/internal/httpapi"
	"github.com/thesammykins/beep-boop-mcp/internal/lockstore"
	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

// Server wraps the HTTP listener, coordination service, and conversation
// correlator.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	coord      *coordination.Service
	correlator *conversation.Correlator
	inbox      *msgstore.Store
	auditLog   *audit.Log
	httpSrv    *http.Server
	metricsSrv *http.Server
	listener   net.Listener

	mu       sync.Mutex
	shutdown bool
	readyCh  chan struct{}
	ready    sync.Once
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Messenger conversation.Messenger
	Recorder  coordination.Recorder
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithMessenger replaces the webhook messenger (useful for tests).
func WithMessenger(m conversation.Messenger) Option {
	return func(o *options) {
		o.Messenger = m
	}
}

// WithRecorder replaces the SQLite audit recorder.
func WithRecorder(r coordination.Recorder) Option {
	return func(o *options) {
		o.Recorder = r
	}
}

// NewServer constructs a beep-boop server according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	policy, err := LoadAgentPolicy(cfg.AgentPolicyPath)
	if err != nil {
		return nil, err
	}

	var auditLog *audit.Log
	recorder := o.Recorder
	if recorder == nil && cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath, logger)
		if err != nil {
			return nil, err
		}
		recorder = auditLog
	}

	coord := coordination.New(coordination.Config{
		Store:      lockstore.New(cfg.LockFileMode, logger),
		Clock:      clk,
		Logger:     logger,
		AgentIDs:   policy,
		StaleAfter: cfg.StaleAfter,
		Audit:      recorder,
	})

	inbox, err := msgstore.New(cfg.MessageInbox, logger)
	if err != nil {
		if auditLog != nil {
			auditLog.Close()
		}
		return nil, fmt.Errorf("open message inbox: %w", err)
	}

	messenger := o.Messenger
	if messenger == nil {
		urls := make(map[msgstore.Platform]string, len(cfg.Webhooks))
		for name, url := range cfg.Webhooks {
			platform, perr := msgstore.ParsePlatform(name)
			if perr != nil {
				if auditLog != nil {
					auditLog.Close()
				}
				return nil, perr
			}
			urls[platform] = url
		}
		messenger = conversation.NewWebhookMessenger(urls, nil)
	}

	correlator := conversation.New(conversation.Config{
		Store:         inbox,
		Messenger:     messenger,
		Clock:         clk,
		Logger:        logger,
		PollInterval:  cfg.PollInterval,
		ReplyDeadline: cfg.ReplyDeadline,
	})

	handler := httpapi.New(httpapi.Config{
		Coordinator:  coord,
		Correlator:   correlator,
		AuthToken:    cfg.AuthToken,
		JSONMaxBytes: cfg.JSONMaxBytes,
		Logger:       logger,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		coord:      coord,
		correlator: correlator,
		inbox:      inbox,
		auditLog:   auditLog,
		readyCh:    make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		srv.metricsSrv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return srv, nil
}

// Coordinator exposes the coordination service for embedding programs.
func (s *Server) Coordinator() *coordination.Service {
	return s.coord
}

// Correlator exposes the conversation correlator for embedding programs.
func (s *Server) Correlator() *conversation.Correlator {
	return s.correlator
}

// Handler returns the HTTP handler, useful for mounting onto an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Addr returns the bound listener address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WaitReady blocks until the listener is bound or ctx is done.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "auth", s.cfg.AuthToken != "")

	if s.metricsSrv != nil {
		go func() {
			s.logger.Info("metrics.listening", "address", s.metricsSrv.Addr)
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("metrics.serve.failed", "error", err)
			}
		}()
	}

	serveErr := s.httpSrv.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			return err
		}
		s.auditLog = nil
	}
	return nil
}

// Close gracefully shuts the server down within the configured shutdown
// timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.ready.Do(func() {
		close(s.readyCh)
	})
}
