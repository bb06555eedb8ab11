// Package remote is a PurchaseVerifier backed by an HTTP receipt verification
// service that fronts the app store.
//
//	POST {base}/purchases/verify   {"productId", "purchaseToken"} -> {"state", "consumed", "accountId", "orderId"}
//	POST {base}/purchases/consume  {"productId", "purchaseToken"} -> 204
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ronitervo/creditledger"
)

// Verifier calls the verification service.
type Verifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ creditledger.PurchaseVerifier = (*Verifier)(nil)

// Option configures the verifier.
type Option func(*Verifier)

// WithToken sets the bearer token sent to the service.
func WithToken(token string) Option {
	return func(v *Verifier) { v.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// New creates a verifier for the service at baseURL.
func New(baseURL string, opts ...Option) *Verifier {
	v := &Verifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type purchaseRequest struct {
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
}

type verifyResponse struct {
	State     string `json:"state"`
	Consumed  bool   `json:"consumed"`
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
}

func (v *Verifier) Verify(ctx context.Context, productID, purchaseToken string) (creditledger.PurchaseVerification, error) {
	resp, err := v.post(ctx, "/purchases/verify", purchaseRequest{ProductID: productID, PurchaseToken: purchaseToken})
	if err != nil {
		return creditledger.PurchaseVerification{}, err
	}
	defer resp.Body.Close()

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return creditledger.PurchaseVerification{}, fmt.Errorf("creditledger/remote: decode response: %w", err)
	}

	state := creditledger.StorePurchaseState(vr.State)
	switch state {
	case creditledger.StorePurchasePurchased, creditledger.StorePurchasePending, creditledger.StorePurchaseCanceled:
	default:
		return creditledger.PurchaseVerification{}, fmt.Errorf("creditledger/remote: unknown purchase state %q", vr.State)
	}

	return creditledger.PurchaseVerification{
		State:     state,
		Consumed:  vr.Consumed,
		AccountID: vr.AccountID,
		OrderID:   vr.OrderID,
	}, nil
}

func (v *Verifier) Consume(ctx context.Context, productID, purchaseToken string) error {
	resp, err := v.post(ctx, "/purchases/consume", purchaseRequest{ProductID: productID, PurchaseToken: purchaseToken})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (v *Verifier) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("creditledger/remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creditledger/remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creditledger/remote: %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("creditledger/remote: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
