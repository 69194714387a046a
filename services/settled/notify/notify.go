// Package notify delivers operator alerts. Delivery is fire-and-forget: a
// failed alert is logged and counted, never returned to the pipeline.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"settlehub/observability"
)

// Alert subjects raised by the settlement jobs.
const (
	SubjectPriceMismatch      = "price_mismatch"
	SubjectBatchAborted       = "batch_aborted"
	SubjectOutputMismatch     = "output_mismatch"
	SubjectPriceSlippage      = "price_slippage"
	SubjectPurchaseFailed     = "purchase_failed"
	SubjectPayoutUncertain    = "payout_uncertain"
	SubjectPayoutUnrecorded   = "payout_unrecorded"
	SubjectSwapFailed         = "swap_failed"
	SubjectFeeLimitExceeded   = "fee_limit_exceeded"
	SubjectNoStrategy         = "no_strategy"
	SubjectLiquidityTransfer  = "liquidity_transfer_failed"
	SubjectPayoutDispatchFail = "payout_dispatch_failed"
	SubjectFeeEstimateFailed  = "fee_estimate_failed"
)

// Alert is one operator notification. Key groups repeats for debouncing and
// defaults to the subject.
type Alert struct {
	Subject string            `json:"subject"`
	Key     string            `json:"key,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

// Notifier is the alert capability consumed by the jobs.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Sink delivers a single alert.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// Service debounces alerts and hands them to a sink.
type Service struct {
	sink      Sink
	debouncer *Debouncer
	logger    *slog.Logger
	metrics   *observability.SettlementMetrics
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithDebounce sets the suppression window for repeated keys.
func WithDebounce(window time.Duration) Option {
	return func(s *Service) {
		s.debouncer = NewDebouncer(window)
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.SettlementMetrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithClock overrides the debounce clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a notification service. A nil sink logs alerts.
func New(sink Sink, opts ...Option) *Service {
	s := &Service{
		sink:      sink,
		debouncer: NewDebouncer(defaultDebounceWindow),
		logger:    slog.Default(),
		metrics:   observability.Settlement(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.sink == nil {
		s.sink = NewLogSink(s.logger)
	}
	return s
}

// Notify implements Notifier.
func (s *Service) Notify(ctx context.Context, alert Alert) {
	if s == nil {
		return
	}
	if alert.Time.IsZero() {
		alert.Time = s.now()
	}
	key := strings.TrimSpace(alert.Key)
	if key == "" {
		key = alert.Subject
	}
	if !s.debouncer.Allow(key, alert.Time) {
		s.metrics.RecordAlert(alert.Subject, "suppressed")
		s.logger.Debug("alert suppressed", "subject", alert.Subject, "key", key)
		return
	}
	if err := s.sink.Send(ctx, alert); err != nil {
		s.metrics.RecordAlert(alert.Subject, "failed")
		s.logger.Error("alert delivery failed", "subject", alert.Subject, "key", key, "error", err)
		return
	}
	s.metrics.RecordAlert(alert.Subject, "sent")
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at error level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (l *LogSink) Send(_ context.Context, alert Alert) error {
	attrs := []any{"subject", alert.Subject}
	keys := make([]string, 0, len(alert.Fields))
	for key := range alert.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, key, alert.Fields[key])
	}
	l.logger.Error("operator alert: "+alert.Message, attrs...)
	return nil
}

// Nop discards alerts.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Alert) {}
