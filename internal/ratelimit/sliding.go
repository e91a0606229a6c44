package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gourl/coord/internal/metrics"
	"github.com/gourl/coord/internal/store"
	"github.com/gourl/coord/internal/token"
	"github.com/gourl/coord/internal/validation"
	"github.com/gourl/coord/pkg/logger"
)

var tracer = otel.Tracer("github.com/gourl/coord/internal/ratelimit")

// SlidingWindow counts events per (key, identifier) over a trailing window.
// Each check is a single store transaction, so concurrent callers in any
// number of processes never admit more than the limit.
type SlidingWindow struct {
	windows store.Windows
	prefix  string
	now     func() time.Time
	log     *logger.Logger
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithKeyPrefix prepends prefix to every store key.
func WithKeyPrefix(prefix string) Option {
	return func(s *SlidingWindow) { s.prefix = prefix }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) { s.now = now }
}

// WithLogger sets the logger for check decisions and store failures.
func WithLogger(log *logger.Logger) Option {
	return func(s *SlidingWindow) { s.log = log }
}

// NewSlidingWindow creates a limiter over windows.
func NewSlidingWindow(windows store.Windows, opts ...Option) *SlidingWindow {
	s := &SlidingWindow{
		windows: windows,
		now:     time.Now,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "ratelimit")
	return s
}

// Check records one event for identifier under opts.Key if the window has
// room, and reports the decision. Invalid arguments fail before the store is
// touched. Store failures are returned as is; callers choose whether to
// fail open or closed.
func (s *SlidingWindow) Check(ctx context.Context, identifier string, opts Options) (*Result, error) {
	if err := opts.validate(identifier); err != nil {
		return nil, err
	}
	opts.Window = opts.Window.Truncate(time.Millisecond)

	ctx, span := tracer.Start(ctx, "ratelimit.Check", trace.WithAttributes(
		attribute.String("ratelimit.key", opts.Key),
		attribute.Int("ratelimit.limit", opts.Limit),
		attribute.Int64("ratelimit.window_ms", opts.Window.Milliseconds()),
	))
	defer span.End()

	now := s.now().Truncate(time.Millisecond)
	reply, err := s.windows.Admit(ctx, s.windowKey(opts.Key, identifier), store.WindowRequest{
		Now:    now,
		Window: opts.Window,
		Limit:  opts.Limit,
		Tag:    token.Tag(now),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admit failed")
		s.log.Warn("rate limit check failed", "key", opts.Key, "error", err)
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	res := newResult(now, opts, reply)
	metrics.RecordRateDecision(opts.Key, res.Allowed)
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", res.Allowed),
		attribute.Int("ratelimit.remaining", res.Remaining),
	)
	if !res.Allowed {
		s.log.Debug("rate limit exceeded", "key", opts.Key, "identifier", identifier, "retry_after", res.RetryAfter)
	}
	return res, nil
}

// Reset deletes the window for identifier under key.
func (s *SlidingWindow) Reset(ctx context.Context, identifier, key string) error {
	if err := validation.First(
		validation.NonEmpty("identifier", identifier),
		validation.NonEmpty("key", key),
	); err != nil {
		return err
	}
	if err := s.windows.Drop(ctx, s.windowKey(key, identifier)); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}

// Bind returns a Limiter with fixed defaults.
func (s *SlidingWindow) Bind(defaults Options) *Bound {
	return &Bound{limiter: s, defaults: defaults}
}

func (s *SlidingWindow) windowKey(key, identifier string) string {
	return s.prefix + KeyPrefix + key + ":" + identifier
}

func newResult(now time.Time, opts Options, reply store.WindowReply) *Result {
	res := &Result{
		Allowed: reply.Allowed,
		Limit:   opts.Limit,
		ResetAt: now.Add(opts.Window),
	}

	used := reply.Count
	if reply.Allowed {
		used++
	}
	res.Remaining = max(0, opts.Limit-used)

	if !reply.Allowed {
		res.RetryAfter = opts.Window
		if !reply.Oldest.IsZero() {
			res.RetryAfter = reply.Oldest.Add(opts.Window).Sub(now)
		}
		res.RetryAfter = max(res.RetryAfter, time.Millisecond)
	}
	return res
}
