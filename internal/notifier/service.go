package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fxalert/internal/eventbus"
	"fxalert/internal/metrics"
	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

var (
	ErrNoSender  = errors.New("notifier: no sender configured")
	ErrEmptyText = errors.New("notifier: empty message")
	ErrNoOpsChat = errors.New("notifier: ops chat not configured")
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  kit.Sender

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus, metrics: m}
	s.Apply(cfg)
	return s
}

// SetSender installs the transport once it has been built.
func (s *Service) SetSender(sender kit.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// Deliver sends msg and returns nil only when the text reached the target.
func (s *Service) Deliver(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Text) == "" {
		return ErrEmptyText
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}

	opt := &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true}
	maxAttempts := 1 + cfg.RetryMax
	start := time.Now()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		_, err := sender.SendText(ctx, msg.Target, msg.Text, opt)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.String("kind", string(msg.Kind)), logx.Int64("chat_id", msg.Target.ChatID),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if ctx.Err() != nil || attempt >= maxAttempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			break
		}
	}

	took := time.Since(start)
	ev := DeliveryEvent{Kind: msg.Kind, ChatID: msg.Target.ChatID, Key: msg.Key, Attempts: attempts, Took: took}
	if lastErr != nil {
		ev.Error = lastErr.Error()
		s.metrics.Delivery("failed", took)
		s.publish(eventbus.TopicNotifyFailed, ev)
		return lastErr
	}

	if len(msg.Photo) > 0 {
		if err := lim.Wait(ctx); err == nil {
			if _, err := sender.SendPhoto(ctx, msg.Target, msg.Photo, msg.PhotoCaption, opt); err != nil {
				s.log.Warn("chart send failed",
					logx.Int64("chat_id", msg.Target.ChatID), logx.String("key", msg.Key), logx.Err(err))
			}
		}
	}

	s.metrics.Delivery("sent", took)
	s.publish(eventbus.TopicNotifySent, ev)
	return nil
}

// SendAlert implements logx.AlertSender. Operator lines go out as plain text
// with no retries so a failing transport cannot feed back into the log sink.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	s.mu.Lock()
	chat := s.cfg.OpsChatID
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if chat == 0 {
		return ErrNoOpsChat
	}
	if sender == nil {
		return ErrNoSender
	}
	if !lim.Allow() {
		return nil
	}
	_, err := sender.SendText(ctx, kit.ChatTarget{ChatID: chat}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (s *Service) publish(topic string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1) with 0.7..1.3
// jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
