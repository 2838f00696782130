// Package api provides the HTTP server of MENTIS.
//
// It exposes the tutoring conversation endpoints used by the student chat, the
// progress endpoints, and the organizer analytics endpoints. Run wires the store,
// the LLM client, the progress cache, analytics and the organizer digest together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mentis-edu/mentis/internal/analytics"
	"github.com/mentis-edu/mentis/internal/digest"
	"github.com/mentis-edu/mentis/internal/flow"
	"github.com/mentis-edu/mentis/internal/genai"
	"github.com/mentis-edu/mentis/internal/messaging"
	"github.com/mentis-edu/mentis/internal/metrics"
	"github.com/mentis-edu/mentis/internal/progress"
	"github.com/mentis-edu/mentis/internal/scheduler"
	"github.com/mentis-edu/mentis/internal/store"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultOutboxPollInterval is how often queued digests are delivered.
	DefaultOutboxPollInterval = 30 * time.Second
)

// Digest channels.
const (
	ChannelLog      = "log"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// DigestConfig configures the scheduled organizer digest. An empty Cron disables it.
type DigestConfig struct {
	Cron           string
	OrganizationID string
	Recipients     []string
	Days           int
	Channel        string
	Twilio         []messaging.TwilioOption
	WhatsApp       []messaging.WhatsAppOption
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	MetricsEnabled  bool
	Redis           *redis.Options
	RedisTTL        time.Duration
	Thresholds      *analytics.Thresholds
	Digest          DigestConfig
	ShutdownTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMetrics enables or disables the /metrics endpoint.
func WithMetrics(enabled bool) Option {
	return func(o *Opts) {
		o.MetricsEnabled = enabled
	}
}

// WithRedis keeps conversation state in Redis so several instances can serve the
// same conversations.
func WithRedis(opts *redis.Options, ttl time.Duration) Option {
	return func(o *Opts) {
		o.Redis = opts
		o.RedisTTL = ttl
	}
}

// WithThresholds overrides the analytics thresholds.
func WithThresholds(th analytics.Thresholds) Option {
	return func(o *Opts) {
		o.Thresholds = &th
	}
}

// WithDigest schedules the organizer digest.
func WithDigest(cfg DigestConfig) Option {
	return func(o *Opts) {
		o.Digest = cfg
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

func defaultOpts() Opts {
	return Opts{
		Addr:            DefaultAddr,
		MetricsEnabled:  true,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Server serves the MENTIS HTTP API.
type Server struct {
	st         store.Store
	orch       *flow.Orchestrator
	summarizer *flow.Summarizer
	progress   *progress.Cache
	analytics  *analytics.Service
	registry   *prometheus.Registry
	now        func() time.Time
}

// NewServer creates a Server over already constructed services.
func NewServer(st store.Store, orch *flow.Orchestrator, summarizer *flow.Summarizer, prog *progress.Cache, an *analytics.Service, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		st:         st,
		orch:       orch,
		summarizer: summarizer,
		progress:   prog,
		analytics:  an,
		now:        time.Now,
	}
	if cfg.MetricsEnabled {
		s.registry = metrics.NewRegistry()
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /conversations", s.startConversationHandler},
		{"GET /conversations/{id}", s.getConversationHandler},
		{"POST /conversations/{id}/messages", s.turnHandler},
		{"POST /conversations/{id}/hint", s.hintHandler},
		{"POST /conversations/{id}/summary", s.summaryHandler},
		{"GET /students/{id}/progress", s.getProgressHandler},
		{"POST /students/{id}/progress", s.upsertProgressHandler},
		{"GET /organizations/{orgId}/overview", s.overviewHandler},
		{"GET /organizations/{orgId}/students/{id}", s.studentDetailHandler},
		{"GET /organizations/{orgId}/students/{id}/metrics", s.studentMetricsHandler},
		{"PATCH /organizations/{orgId}/students/{id}/guidelines", s.guidelinesHandler},
		{"GET /health", s.healthHandler},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, instrument(rt.pattern, rt.handler))
	}
	if s.registry != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.registry))
	}
	return mux
}

// Run builds every component from the given options, serves the API on the
// configured address and shuts down gracefully when ctx is cancelled.
func Run(ctx context.Context, storeOpts []store.Option, genaiOpts []genai.Option, flowOpts []flow.Option, progressOpts []progress.Option, apiOpts ...Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	base, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	st := base
	if cfg.Redis != nil {
		client := redis.NewClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			base.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		st = store.WithRedisConversations(base, store.NewRedisStateStore(client, store.WithTTL(cfg.RedisTTL)))
		slog.Info("api.Run: conversation state kept in redis", "addr", cfg.Redis.Addr, "ttl", cfg.RedisTTL)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("api.Run: failed to close store", "error", err)
		}
	}()

	llm, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	cache := progress.NewCache(st, progressOpts...)
	orch := flow.NewOrchestrator(st, llm, append(flowOpts, flow.WithProgressRecorder(cache))...)
	summarizer := flow.NewSummarizer(st, llm)

	th := analytics.ThresholdsFromEnv()
	if cfg.Thresholds != nil {
		th = *cfg.Thresholds
	}
	an := analytics.NewService(st, analytics.WithThresholds(th))

	srv := NewServer(st, orch, summarizer, cache, an, apiOpts...)

	var sched *scheduler.Scheduler
	var sender messaging.Sender
	if cfg.Digest.Cron != "" {
		sched, sender, err = startDigest(ctx, cfg.Digest, an, base)
		if err != nil {
			cache.Close(context.Background())
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("api.Run: MENTIS API listening", "addr", cfg.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: http shutdown failed", "error", err)
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if sender != nil {
		if err := sender.Close(); err != nil {
			slog.Error("api.Run: failed to close sender", "error", err)
		}
	}
	if err := cache.Close(shutdownCtx); err != nil {
		slog.Error("api.Run: progress not fully flushed", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// startDigest builds the digest sender and schedules the digest job. Digests are
// queued in the outbox when the store supports one.
func startDigest(ctx context.Context, cfg DigestConfig, an *analytics.Service, base store.Store) (*scheduler.Scheduler, messaging.Sender, error) {
	if cfg.OrganizationID == "" {
		return nil, nil, errors.New("digest organization ID is required when the digest is scheduled")
	}
	sender, err := buildSender(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := []digest.Option{digest.WithDays(cfg.Days), digest.WithRecipients(cfg.Recipients...)}
	outbox, queued := base.(store.OutboxRepo)
	if queued {
		opts = append(opts, digest.WithOutbox(outbox))
	}
	job := digest.NewJob(an, sender, cfg.OrganizationID, opts...)
	if queued {
		ob := store.NewOutboxSender(outbox, job.Deliver, DefaultOutboxPollInterval)
		if err := ob.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("api.startDigest: could not requeue stale digests", "error", err)
		}
		go ob.Run(ctx)
	}

	sched := scheduler.NewScheduler()
	if _, err := sched.AddJob("digest", cfg.Cron, job.Run); err != nil {
		sched.Stop(context.Background())
		sender.Close()
		return nil, nil, err
	}
	slog.Info("api.startDigest: organizer digest scheduled", "organization_id", cfg.OrganizationID, "channel", sender.Name(), "recipients", len(cfg.Recipients), "outbox", queued)
	return sched, sender, nil
}

func buildSender(ctx context.Context, cfg DigestConfig) (messaging.Sender, error) {
	switch cfg.Channel {
	case "", ChannelLog:
		return messaging.NewLogSender(), nil
	case ChannelTwilio:
		s, err := messaging.NewTwilioSender(cfg.Twilio...)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio sender: %w", err)
		}
		return s, nil
	case ChannelWhatsApp:
		s, err := messaging.NewWhatsAppSender(ctx, cfg.WhatsApp...)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp sender: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown digest channel %q", cfg.Channel)
	}
}
