// Package places queries the Google Places text search API for restaurants
// near a place.
package places

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/pkg/resilience"
)

// DefaultURL is the Places API (New) text search endpoint.
const DefaultURL = "https://places.googleapis.com/v1/places:searchText"

const fieldMask = "places.displayName,places.formattedAddress,places.primaryTypeDisplayName"

// ErrNoAPIKey is returned by Search when the client has no key configured.
var ErrNoAPIKey = errors.New("places: no API key configured")

// Client is safe for concurrent use.
type Client struct {
	url    string
	apiKey string
	guard  *resilience.Guard
	client *http.Client
}

// New creates a Places client. guard may be nil.
func New(url, apiKey string, guard *resilience.Guard) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:    url,
		apiKey: apiKey,
		guard:  guard,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type searchReq struct {
	TextQuery string `json:"textQuery"`
}

type localizedText struct {
	Text string `json:"text"`
}

type place struct {
	DisplayName            localizedText `json:"displayName"`
	FormattedAddress       string        `json:"formattedAddress"`
	PrimaryTypeDisplayName localizedText `json:"primaryTypeDisplayName"`
}

type searchResp struct {
	Places []place `json:"places"`
}

// Query formats the text search sent for a user query around place.
func Query(query, place string) string {
	return fmt.Sprintf("%s restaurants in %s", query, place)
}

// Search runs a text search and maps each named result to a
// RestaurantGoogle. No results is an empty, non-nil slice.
func (c *Client) Search(ctx context.Context, textQuery string) ([]domain.RestaurantGoogle, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return resilience.Do(ctx, c.guard, func(ctx context.Context) ([]domain.RestaurantGoogle, error) {
		return c.search(ctx, textQuery)
	})
}

func (c *Client) search(ctx context.Context, textQuery string) ([]domain.RestaurantGoogle, error) {
	body, err := json.Marshal(searchReq{TextQuery: textQuery})
	if err != nil {
		return nil, fmt.Errorf("places: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("places: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("places: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out searchResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("places: decode: %w", err)
	}

	found := make([]domain.RestaurantGoogle, 0, len(out.Places))
	for _, p := range out.Places {
		name := strings.TrimSpace(p.DisplayName.Text)
		if name == "" {
			continue
		}
		found = append(found, domain.RestaurantGoogle{
			Name:     name,
			Category: p.PrimaryTypeDisplayName.Text,
			Location: p.FormattedAddress,
		})
	}
	return found, nil
}
