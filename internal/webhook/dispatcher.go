// Package webhook delivers WebhookEvent rows to their registered
// endpoint, HMAC-signing each payload and retrying with backoff until
// delivered or dead-lettered. Adapted from original_source's
// WebhookServiceImpl (signature scheme, headers) with a polling
// dispatch loop following internal/worker's own lease-and-sleep shape,
// bounding delivery concurrency with an errgroup the way the teacher
// pack's subagent fan-out does.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// Config tunes the dispatcher's poll cadence, batch size and delivery
// concurrency.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrency int
	RequestTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	BackoffJitter  float64
}

// DefaultConfig matches original_source's 10-second HTTP client timeout
// and the worker package's own backoff shape.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      50,
		MaxConcurrency: 8,
		RequestTimeout: 10 * time.Second,
		MinBackoff:     1 * time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffJitter:  0.1,
	}
}

// Dispatcher polls for pending webhook events and delivers them
// concurrently, signing each request with its webhook's secret.
type Dispatcher struct {
	stores store.Stores
	client *http.Client
	cfg    Config
	rand   func() float64
}

// New builds a Dispatcher.
func New(stores store.Stores, cfg Config) *Dispatcher {
	return &Dispatcher{
		stores: stores,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
		rand:   func() float64 { return 0.5 },
	}
}

// Run polls and delivers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log := logging.GetLogger("webhook")
	log.Info().Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dispatcher stopping")
			return
		default:
		}

		if err := d.runOnce(ctx); err != nil {
			log.Error().Err(err).Msg("dispatch pass failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) error {
	events, err := d.stores.Webhooks.FindPendingEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("webhook: find pending: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			d.deliverOne(gctx, ev)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliverOne(ctx context.Context, ev *domain.WebhookEvent) {
	log := logging.GetWebhookLogger(ev.ID.String())

	webhook, secret := d.resolveSecret(ctx, ev)
	status, err := d.send(ctx, ev, secret)
	ev.AttemptCount++
	ev.UpdatedAt = time.Now().UTC()

	if err == nil && status >= 200 && status < 300 {
		ev.Status = domain.WebhookDelivered
		ev.ResponseStatus = &status
		now := time.Now().UTC()
		ev.DeliveredAt = &now
		if updateErr := d.stores.Webhooks.UpdateEvent(ctx, ev); updateErr != nil {
			log.Error().Err(updateErr).Msg("failed to persist delivered event")
		}
		return
	}

	if status != 0 {
		ev.ResponseStatus = &status
	}
	_ = webhook

	if ev.AttemptCount >= ev.MaxRetries {
		ev.Status = domain.WebhookDead
		log.Warn().Str("event_id", ev.ID.String()).Int("attempts", ev.AttemptCount).Msg("webhook dead-lettered")
	} else {
		delay := domain.BackoffSchedule(ev.AttemptCount, d.cfg.MinBackoff, d.cfg.MaxBackoff, d.cfg.BackoffJitter, d.rand)
		next := time.Now().UTC().Add(delay)
		ev.Status = domain.WebhookFailed
		ev.NextRetryAt = &next
		log.Info().Str("event_id", ev.ID.String()).Dur("delay", delay).Msg("webhook delivery failed, scheduled retry")
	}

	if updateErr := d.stores.Webhooks.UpdateEvent(ctx, ev); updateErr != nil {
		log.Error().Err(updateErr).Msg("failed to persist failed event")
	}
}

// resolveSecret looks up the registered Webhook row for its signing
// secret; a zero WebhookID (used by worker-originated events that
// haven't gone through explicit webhook registration) signs with an
// empty secret, matching an unauthenticated delivery.
func (d *Dispatcher) resolveSecret(ctx context.Context, ev *domain.WebhookEvent) (*domain.Webhook, string) {
	if ev.WebhookID == uuid.Nil {
		return nil, ""
	}
	hooks, err := d.stores.Webhooks.FindWebhooksByTeam(ctx, ev.TeamID)
	if err != nil {
		return nil, ""
	}
	for _, h := range hooks {
		if h.ID == ev.WebhookID {
			return h, h.Secret
		}
	}
	return nil, ""
}

// send POSTs the event payload, signing it the way
// WebhookServiceImpl::generate_signature does: HMAC-SHA256 over
// "{unix_timestamp}.{payload}", hex-encoded, carried in
// X-Crawlrs-Signature alongside X-Crawlrs-Timestamp, X-Crawlrs-Event
// (the event kind) and X-Crawlrs-Event-ID. Returns the response status
// code (0 if the request never got a response).
func (d *Dispatcher) send(ctx context.Context, ev *domain.WebhookEvent, secret string) (int, error) {
	timestamp := time.Now().UTC().Unix()
	signature := sign(secret, timestamp, ev.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.WebhookURL, bytes.NewReader(ev.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crawlrs-Signature", signature)
	req.Header.Set("X-Crawlrs-Timestamp", fmt.Sprintf("%d", timestamp))
	req.Header.Set("X-Crawlrs-Event", string(ev.EventType))
	req.Header.Set("X-Crawlrs-Event-ID", ev.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func sign(secret string, timestamp int64, payload json.RawMessage) string {
	message := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
