package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
)

// maxBankPayments caps how many payments a single lookup returns.
const maxBankPayments = 200

// BankAPI is an HTTP client for the bank's payment ledger.
type BankAPI struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewBankAPI returns a client for the bank API at endpoint. token is sent as a
// bearer token when non-empty.
func NewBankAPI(endpoint, token string) *BankAPI {
	return &BankAPI{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentsForVendor returns payments made to vendorID since the given time.
func (b *BankAPI) PaymentsForVendor(ctx context.Context, vendorID string, since time.Time) ([]invoice.Payment, error) {
	if vendorID == "" {
		return nil, fmt.Errorf("vendor_id is required")
	}

	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = "/v1/payments"

	q := u.Query()
	q.Set("vendor_id", vendorID)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bank api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bank api returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Payments []invoice.Payment `json:"payments"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode bank response: %w", err)
	}

	if len(out.Payments) > maxBankPayments {
		out.Payments = out.Payments[:maxBankPayments]
	}
	return out.Payments, nil
}
