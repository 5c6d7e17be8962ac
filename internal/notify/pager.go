package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

var pagerTracer = otel.Tracer("companion/notify")

// PagerSender raises urgent alerts with the on-call paging provider.
type PagerSender interface {
	SendPage(ctx context.Context, summary string) error
}

// WebhookPager posts pages to an events-API style webhook (PagerDuty,
// Opsgenie, or an internal bridge). Any auth token rides on the URL.
type WebhookPager struct {
	webhookURL string
	source     string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewWebhookPager builds a pager gateway. It returns nil when no webhook is
// configured so callers can treat paging as absent.
func NewWebhookPager(webhookURL string, logger *logging.Logger) *WebhookPager {
	if webhookURL == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookPager{
		webhookURL: webhookURL,
		source:     "companion-platform",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SendPage posts one page, retrying transient failures. Summaries must stay
// free of message content; the caller formats them from case metadata only.
func (p *WebhookPager) SendPage(ctx context.Context, summary string) error {
	if summary == "" {
		return errors.New("notify: page summary required")
	}

	ctx, span := pagerTracer.Start(ctx, "notify.page")
	defer span.End()

	payload := map[string]any{
		"summary":   summary,
		"severity":  "critical",
		"source":    p.source,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal page payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(bodyBytes))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				p.logger.Info("page delivered", "status", resp.StatusCode)
				return nil
			}
			lastErr = fmt.Errorf("notify: pager webhook returned status %d, body: %s", resp.StatusCode, string(body))
		}

		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		p.logger.Error("failed to deliver page", "error", lastErr)
	}
	return lastErr
}

// StubPager logs pages without sending them, for development environments.
type StubPager struct {
	logger *logging.Logger
}

// NewStubPager creates a stub pager.
func NewStubPager(logger *logging.Logger) *StubPager {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubPager{logger: logger}
}

// SendPage logs but doesn't page.
func (p *StubPager) SendPage(ctx context.Context, summary string) error {
	p.logger.Warn("stub pager: would page on-call", "summary", summary)
	return nil
}

// Ensure interface compliance
var _ PagerSender = (*WebhookPager)(nil)
var _ PagerSender = (*StubPager)(nil)
