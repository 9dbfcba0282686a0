package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/httputil"
)

const defaultStripeAPIURL = "https://api.stripe.com"

// StripeClient submits billing meter events to the Stripe API.
type StripeClient struct {
	apiURL     string
	secretKey  string
	httpClient *http.Client
}

func NewStripeClient(secretKey string) *StripeClient {
	return NewStripeClientWithURL(defaultStripeAPIURL, secretKey)
}

// NewStripeClientWithURL exists for pointing at a mock server in tests.
func NewStripeClientWithURL(apiURL, secretKey string) *StripeClient {
	cfg := httputil.DefaultConfig()
	cfg.Timeout = 15 * time.Second

	return &StripeClient{
		apiURL:     strings.TrimRight(apiURL, "/"),
		secretKey:  secretKey,
		httpClient: httputil.NewClient(cfg),
	}
}

func (c *StripeClient) CreateMeterEvent(ctx context.Context, event MeterEvent) error {
	form := url.Values{}
	form.Set("event_name", event.EventName)
	form.Set("identifier", event.Identifier)
	form.Set("payload[value]", strconv.FormatInt(event.Value, 10))
	form.Set("payload[stripe_customer_id]", event.CustomerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/v1/billing/meter_events", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe meter event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("stripe meter event returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
