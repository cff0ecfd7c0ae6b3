// Package lemonsqueezy is a minimal client for the LemonSqueezy JSON:API.
package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/lemonsync/internal/config"
	obsmetrics "github.com/smallbiznis/lemonsync/internal/observability/metrics"
	"github.com/smallbiznis/lemonsync/internal/observability/tracing"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jsonAPIContentType = "application/vnd.api+json"

var (
	ErrMissingAPIKey   = errors.New("lemonsqueezy_api_key_missing")
	ErrInvalidAPIKey   = errors.New("lemonsqueezy_invalid_api_key")
	ErrStoreNotFound   = errors.New("lemonsqueezy_store_not_found")
	ErrNotFound        = errors.New("lemonsqueezy_not_found")
	ErrProviderTimeout = errors.New("lemonsqueezy_timeout")
	ErrRequestFailed   = errors.New("lemonsqueezy_request_failed")
	ErrInvalidResponse = errors.New("lemonsqueezy_invalid_response")
)

// CheckoutRequest describes a hosted checkout to create.
type CheckoutRequest struct {
	StoreID          string
	VariantID        string
	ReferenceType    string
	ReferenceID      string
	PaymentRequestID string
	Email            string
	Name             string
	// CustomPrice is in minor units; zero leaves the variant price.
	CustomPrice int64
}

type Store struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Currency string `json:"currency"`
}

type API interface {
	CreateCheckout(ctx context.Context, apiKey string, req CheckoutRequest) (string, error)
	SubscriptionPortalURL(ctx context.Context, apiKey, subscriptionID string) (string, error)
	GetStore(ctx context.Context, apiKey, storeID string) (*Store, error)
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewClient(p Params) *Client {
	timeout := p.Config.LemonSqueezy.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.LemonSqueezy.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.lemonsqueezy.com"
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     p.Log.Named("lemonsqueezy.client"),
		metrics: p.ObsMetrics,
	}
}

var Module = fx.Module("lemonsqueezy",
	fx.Provide(
		NewClient,
		func(c *Client) API { return c },
	),
)

type resource struct {
	Type          string         `json:"type"`
	ID            string         `json:"id,omitempty"`
	Attributes    any            `json:"attributes,omitempty"`
	Relationships map[string]any `json:"relationships,omitempty"`
}

type relationship struct {
	Data resource `json:"data"`
}

type checkoutData struct {
	Email       string         `json:"email,omitempty"`
	Name        string         `json:"name,omitempty"`
	Custom      map[string]any `json:"custom"`
	CustomPrice *int64         `json:"custom_price,omitempty"`
}

type checkoutAttributes struct {
	CheckoutData checkoutData `json:"checkout_data"`
}

func (c *Client) CreateCheckout(ctx context.Context, apiKey string, req CheckoutRequest) (string, error) {
	attrs := checkoutAttributes{
		CheckoutData: checkoutData{
			Email: strings.TrimSpace(req.Email),
			Name:  strings.TrimSpace(req.Name),
			Custom: map[string]any{
				"reference_type":     req.ReferenceType,
				"reference_id":       req.ReferenceID,
				"payment_request_id": req.PaymentRequestID,
			},
		},
	}
	if req.CustomPrice > 0 {
		price := req.CustomPrice
		attrs.CheckoutData.CustomPrice = &price
	}

	body := map[string]any{
		"data": resource{
			Type:       "checkouts",
			Attributes: attrs,
			Relationships: map[string]any{
				"store":   relationship{Data: resource{Type: "stores", ID: strings.TrimSpace(req.StoreID)}},
				"variant": relationship{Data: resource{Type: "variants", ID: strings.TrimSpace(req.VariantID)}},
			},
		},
	}

	var out struct {
		Data struct {
			Attributes struct {
				URL string `json:"url"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, "create_checkout", apiKey, http.MethodPost, "/v1/checkouts", body, &out); err != nil {
		return "", err
	}
	checkoutURL := strings.TrimSpace(out.Data.Attributes.URL)
	if checkoutURL == "" {
		return "", ErrInvalidResponse
	}
	return checkoutURL, nil
}

func (c *Client) SubscriptionPortalURL(ctx context.Context, apiKey, subscriptionID string) (string, error) {
	var out struct {
		Data struct {
			Attributes struct {
				URLs struct {
					CustomerPortal string `json:"customer_portal"`
				} `json:"urls"`
			} `json:"attributes"`
		} `json:"data"`
	}
	path := "/v1/subscriptions/" + url.PathEscape(strings.TrimSpace(subscriptionID))
	if err := c.do(ctx, "subscription_portal", apiKey, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	portal := strings.TrimSpace(out.Data.Attributes.URLs.CustomerPortal)
	if portal == "" {
		return "", ErrInvalidResponse
	}
	return portal, nil
}

// GetStore fetches a store, which doubles as a credential check.
func (c *Client) GetStore(ctx context.Context, apiKey, storeID string) (*Store, error) {
	var out struct {
		Data struct {
			ID         string `json:"id"`
			Attributes Store  `json:"attributes"`
		} `json:"data"`
	}
	path := "/v1/stores/" + url.PathEscape(strings.TrimSpace(storeID))
	if err := c.do(ctx, "get_store", apiKey, http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	store := out.Data.Attributes
	store.ID = out.Data.ID
	return &store, nil
}

func (c *Client) do(ctx context.Context, operation, apiKey, method, path string, body any, out any) (err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = errorOutcome(err)
		}
		c.metrics.RecordProviderCall(ctx, operation, outcome)
	}()

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrMissingAPIKey
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", jsonAPIContentType)
	if body != nil {
		req.Header.Set("Content-Type", jsonAPIContentType)
	}
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s", ErrProviderTimeout, operation)
		}
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail := readErrorDetail(resp.Body)
		c.log.Warn("lemonsqueezy request failed",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", detail),
		)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return ErrInvalidAPIKey
		case http.StatusNotFound:
			return ErrNotFound
		default:
			return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, detail)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func readErrorDetail(r io.Reader) string {
	var payload struct {
		Errors []struct {
			Status string `json:"status"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Errors) > 0 {
		first := payload.Errors[0]
		if detail := strings.TrimSpace(first.Detail); detail != "" {
			return detail
		}
		return strings.TrimSpace(first.Title)
	}
	return strings.TrimSpace(string(raw))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrMissingAPIKey):
		return "unauthorized"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreNotFound):
		return "not_found"
	default:
		return "error"
	}
}
