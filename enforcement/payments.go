package enforcement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

// Payments is the external escrow collaborator. Every call must be
// idempotent on key.
type Payments interface {
	Refund(ctx context.Context, contractID string, amount decimal.Decimal, key string) (Receipt, error)
	Release(ctx context.Context, contractID string, amount decimal.Decimal, key string) (Receipt, error)
	Settle(ctx context.Context, contractID string, key string) (Receipt, error)
}

// Receipt is the collaborator's acknowledgement of a movement.
type Receipt struct {
	Reference string `json:"reference"`
}

// HTTPPayments calls the escrow service's REST API.
type HTTPPayments struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

type HTTPOption func(*HTTPPayments)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPayments) { p.client = c }
}

func WithLogger(log *zap.Logger) HTTPOption {
	return func(p *HTTPPayments) {
		if log != nil {
			p.log = log
		}
	}
}

// WithRateLimit caps outbound calls per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(p *HTTPPayments) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewHTTPPayments(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPPayments {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	p := &HTTPPayments{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type paymentRequest struct {
	ContractID string  `json:"contract_id"`
	Amount     *string `json:"amount,omitempty"`
}

func (p *HTTPPayments) Refund(ctx context.Context, contractID string, amount decimal.Decimal, key string) (Receipt, error) {
	str := amount.StringFixed(2)
	return p.post(ctx, "/refunds", key, paymentRequest{ContractID: contractID, Amount: &str})
}

func (p *HTTPPayments) Release(ctx context.Context, contractID string, amount decimal.Decimal, key string) (Receipt, error) {
	str := amount.StringFixed(2)
	return p.post(ctx, "/releases", key, paymentRequest{ContractID: contractID, Amount: &str})
}

func (p *HTTPPayments) Settle(ctx context.Context, contractID string, key string) (Receipt, error) {
	return p.post(ctx, "/settlements", key, paymentRequest{ContractID: contractID})
}

// post classifies failures for the scheduler: network errors, 429 and 5xx
// are transient, any other non-2xx is terminal.
func (p *HTTPPayments) post(ctx context.Context, path, key string, body paymentRequest) (Receipt, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Receipt{}, apperr.Transient(err, "enforcement: payments rate limit")
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, apperr.Terminal(err, "enforcement: marshal payment request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, apperr.Terminal(err, "enforcement: build payment request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := p.client.Do(req)
	if err != nil {
		return Receipt{}, apperr.Transient(err, "enforcement: POST %s", path)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Receipt{}, apperr.Transient(statusError(resp.StatusCode, raw), "enforcement: POST %s", path)
	default:
		return Receipt{}, apperr.Terminal(statusError(resp.StatusCode, raw), "enforcement: POST %s", path)
	}

	// A 2xx means the money moved. An unreadable body only costs the
	// reference, so the step still counts as done.
	var receipt Receipt
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &receipt); err != nil {
			p.log.Warn("undecodable payment receipt",
				zap.String("path", path),
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
			return Receipt{}, nil
		}
	}
	return receipt, nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return errors.New(http.StatusText(code))
	}
	return fmt.Errorf("%d %s: %s", code, http.StatusText(code), msg)
}
