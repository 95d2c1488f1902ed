// Package bankfeed pulls bank-reported movements from integration
// endpoints and parses uploaded return files into the normalized form the
// reconciliation engine consumes.
package bankfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"concilia.dev/internal/reconcile"
)

// Client fetches movements over an HTTP JSON API. Each integration maps to
// a path under the base URL; the aggregator is expected to have already
// normalized the bank's CNAB/OFX payloads.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a client with sensible defaults. An empty token
// disables the Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

type feedMovement struct {
	Date        string `json:"date"` // YYYY-MM-DD
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BankRef     string `json:"bank_ref"`
}

type feedResponse struct {
	Movements []feedMovement `json:"movements"`
}

// Fetch implements reconcile.MovementFetcher.
func (c *Client) Fetch(ctx context.Context, integ reconcile.Integration, since time.Time) ([]reconcile.NormalizedMovement, error) {
	u := fmt.Sprintf("%s/integrations/%s/movements?since=%s",
		c.baseURL, url.PathEscape(integ.ID), since.UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrIntegration, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: feed %s returned %d", reconcile.ErrIntegration, integ.ID, resp.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", reconcile.ErrIntegration, err)
	}

	out := make([]reconcile.NormalizedMovement, 0, len(body.Movements))
	for _, fm := range body.Movements {
		day, err := time.Parse("2006-01-02", fm.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad movement date %q", reconcile.ErrIntegration, fm.Date)
		}
		out = append(out, reconcile.NormalizedMovement{
			Date:        day,
			Amount:      fm.Amount,
			Description: fm.Description,
			BankRef:     fm.BankRef,
		})
	}
	return out, nil
}

// StaticSource serves a fixed integration list, typically loaded from
// configuration at startup.
type StaticSource []reconcile.Integration

func (s StaticSource) Integrations(ctx context.Context) ([]reconcile.Integration, error) {
	return s, nil
}
