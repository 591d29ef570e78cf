package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"

	"buildsched/internal/eventbus"
	logx "buildsched/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	seen   bool
	lastOK bool
}

// New returns nil when cfg.URL is empty; a nil *Service ignores Notify.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.On == "" {
		cfg.On = OnFailure
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		client: cleanhttp.DefaultPooledClient(),
	}
	if cfg.MinInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return s
}

// wants applies the policy and records r as the latest outcome.
func (s *Service) wants(r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !s.seen || s.lastOK != r.OK
	s.seen, s.lastOK = true, r.OK
	switch s.cfg.On {
	case OnAlways:
		return true
	case OnChange:
		return changed
	default:
		return !r.OK
	}
}

// Notify delivers r if the policy asks for it. It blocks until delivery
// succeeded, retries ran out, or ctx is done.
func (s *Service) Notify(ctx context.Context, r Result) error {
	if s == nil {
		return ErrDisabled
	}
	if !s.wants(r) {
		return nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Debug("notification suppressed (rate limit)", logx.String("run", r.RunID))
		return nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	maxAttempts := 1 + max(s.cfg.RetryMax, 0)
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if lastErr = s.post(ctx, body); lastErr == nil {
			break
		}
		s.log.Debug("notify failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts || !sleep(ctx, retryDelay(s.cfg, attempt)) {
			break
		}
	}

	ev := Event{RunID: r.RunID, Attempts: attempt, At: time.Now()}
	if lastErr != nil {
		ev.Error = lastErr.Error()
		s.publish(eventbus.NotifyFailed, ev)
		s.log.Warn("notification failed", logx.String("run", r.RunID), logx.Int("attempts", attempt), logx.Err(lastErr))
		return lastErr
	}
	s.publish(eventbus.NotifySent, ev)
	s.log.Debug("notification sent", logx.String("run", r.RunID), logx.Int("attempts", attempt))
	return nil
}

func (s *Service) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "buildsched")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	return nil
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxD {
		d = maxD
	}
	return d
}
