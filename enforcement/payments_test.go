package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

func TestHTTPPaymentsSendsIdempotencyKey(t *testing.T) {
	var (
		gotKey  string
		gotPath string
		gotBody paymentRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"reference":"rf_123"}`))
	}))
	defer srv.Close()

	p := NewHTTPPayments(srv.URL, 0, WithRateLimit(0, 0))
	receipt, err := p.Refund(context.Background(), "contract-9", d("12.5"), "res-1:refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if receipt.Reference != "rf_123" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if gotKey != "res-1:refund" || gotPath != "/refunds" {
		t.Fatalf("unexpected request key=%q path=%q", gotKey, gotPath)
	}
	if gotBody.ContractID != "contract-9" || gotBody.Amount == nil || *gotBody.Amount != "12.50" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestHTTPPaymentsUndecodableReceiptStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>accepted</html>`))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	p := NewHTTPPayments(srv.URL, 0, WithRateLimit(0, 0), WithLogger(zap.New(core)))
	receipt, err := p.Release(context.Background(), "contract-9", d("40"), "res-1:release")
	if err != nil {
		t.Fatalf("a 2xx must count as moved money, got %v", err)
	}
	if receipt.Reference != "" {
		t.Fatalf("expected an empty reference, got %q", receipt.Reference)
	}
	if logs.FilterMessage("undecodable payment receipt").Len() != 1 {
		t.Fatalf("expected the decode problem to be logged, got %v", logs.All())
	}
}

func TestHTTPPaymentsClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusTooManyRequests, apperr.ErrTransient},
		{http.StatusBadGateway, apperr.ErrTransient},
		{http.StatusServiceUnavailable, apperr.ErrTransient},
		{http.StatusConflict, apperr.ErrTerminal},
		{http.StatusUnprocessableEntity, apperr.ErrTerminal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		p := NewHTTPPayments(srv.URL, 0, WithRateLimit(0, 0))
		_, err := p.Settle(context.Background(), "contract-9", "res-1:settle")
		srv.Close()
		if !errors.Is(err, tc.kind) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.kind, err)
		}
	}
}

func TestHTTPPaymentsNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewHTTPPayments(url, 0, WithRateLimit(0, 0))
	if _, err := p.Release(context.Background(), "contract-9", d("1"), "k"); !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
