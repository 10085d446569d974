// File: internal/callback/callback.go
// Package callback delivers a completed run's determination to the
// caller's endpoint as a single HTTP POST.
package callback

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDeliveryFailed marks a callback attempt that reached the endpoint but
// was not accepted, or failed in transit. The run's result is still
// persisted locally; delivery failure is surfaced, not fatal.
var ErrDeliveryFailed = fmt.Errorf("callback delivery failed")

// Payload is the body POSTed to the callback endpoint. Exactly one
// delivery attempt is made per run.
type Payload struct {
	CorrelationID  string                `json:"correlationId"`
	Determination  schemas.Determination `json:"determination"`
	DocumentName   string                `json:"documentName,omitempty"`
	DocumentBase64 string                `json:"documentBase64,omitempty"`
}

// Deliverer POSTs classification results to caller-supplied endpoints.
type Deliverer struct {
	client *http.Client
	logger *zap.Logger
}

// NewDeliverer builds a Deliverer with the configured per-delivery timeout.
func NewDeliverer(cfg config.CallbackConfig, logger *zap.Logger) *Deliverer {
	return &Deliverer{
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("callback"),
	}
}

// Deliver sends the result and document to rawURL. An empty rawURL is a
// no-op that returns a receipt with Delivered=false and no error. The
// receipt is always returned, even alongside ErrDeliveryFailed, so the
// caller can persist what happened.
func (d *Deliverer) Deliver(ctx context.Context, rawURL string, result schemas.ClassificationResult, document []byte) (schemas.DeliveryReceipt, error) {
	receipt := schemas.DeliveryReceipt{
		AttemptID:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: result.CorrelationID,
	}

	if strings.TrimSpace(rawURL) == "" {
		d.logger.Info("No callback URL supplied; skipping delivery.")
		return receipt, nil
	}

	target, err := schemas.NormalizeCallbackURL(rawURL)
	if err != nil {
		receipt.Error = err.Error()
		receipt.CallbackHint = schemas.PreviewURL(rawURL)
		return receipt, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	receipt.CallbackHint = schemas.PreviewURL(target)

	payload := Payload{
		CorrelationID: result.CorrelationID,
		Determination: result.Determination,
		DocumentName:  result.DocumentName,
	}
	if len(document) > 0 {
		payload.DocumentBase64 = base64.StdEncoding.EncodeToString(document)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		receipt.Error = err.Error()
		return receipt, fmt.Errorf("%w: encoding payload: %v", ErrDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		receipt.Error = err.Error()
		return receipt, fmt.Errorf("%w: building request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		receipt.Error = err.Error()
		return receipt, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	receipt.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	receipt.HTMLResponse = looksLikeHTML(resp, respBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		receipt.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
		d.logger.Warn("Callback endpoint rejected delivery.",
			zap.Int("status", resp.StatusCode),
			zap.String("url_hint", receipt.CallbackHint),
		)
		return receipt, fmt.Errorf("%w: endpoint returned status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	receipt.Delivered = true
	if receipt.HTMLResponse {
		// Accepted, but the endpoint answered with a page instead of an
		// acknowledgement. Usually a misconfigured URL pointing at a UI.
		d.logger.Warn("Callback endpoint returned HTML on success.",
			zap.String("url_hint", receipt.CallbackHint),
		)
	} else {
		d.logger.Info("Callback delivered.",
			zap.Int("status", resp.StatusCode),
			zap.String("url_hint", receipt.CallbackHint),
		)
	}
	return receipt, nil
}

func looksLikeHTML(resp *http.Response, body []byte) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(strings.ToLower(string(body)))
	return strings.HasPrefix(trimmed, "<!doctype html") || strings.HasPrefix(trimmed, "<html")
}
