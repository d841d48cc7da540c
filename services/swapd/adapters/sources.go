package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"satsbridge/services/swapd/oracle"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{
		HTTPClient: &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Now:        time.Now,
	}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey, rate string, assets map[string]string) (oracle.Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "coingecko":
		return newCoinGeckoSource(r.client(), label(name, "coingecko"), endpoint, apiKey, assets), nil
	case "static":
		fixed, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil || !fixed.IsPositive() {
			return nil, fmt.Errorf("static source %q requires a positive rate", name)
		}
		return &staticSource{name: label(name, "static"), rate: fixed, now: r.now()}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) now() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

type staticSource struct {
	name string
	rate decimal.Decimal
	now  func() time.Time
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(context.Context, string, string) (oracle.Sample, error) {
	return oracle.Sample{Rate: s.rate, Timestamp: s.now()}, nil
}

// coinGeckoSource reads the simple price API. The base leg maps to a CoinGecko
// asset id and the quote leg is the vs_currency.
type coinGeckoSource struct {
	client   *http.Client
	name     string
	endpoint string
	apiKey   string
	ids      map[string]string
}

func newCoinGeckoSource(client *http.Client, name, endpoint, apiKey string, assets map[string]string) *coinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	ids := map[string]string{"BTC": "bitcoin"}
	for k, v := range assets {
		ids[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &coinGeckoSource{client: client, name: name, endpoint: ep, apiKey: strings.TrimSpace(apiKey), ids: ids}
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) Fetch(ctx context.Context, base, quote string) (oracle.Sample, error) {
	id, ok := s.ids[strings.ToUpper(strings.TrimSpace(base))]
	if !ok || id == "" {
		return oracle.Sample{}, fmt.Errorf("coingecko: unmapped asset %s", base)
	}
	vs := strings.ToLower(strings.TrimSpace(quote))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return oracle.Sample{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return oracle.Sample{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oracle.Sample{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return oracle.Sample{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return oracle.Sample{}, fmt.Errorf("coingecko: quote missing for %s", id)
	}
	raw, ok := entry[vs]
	if !ok {
		return oracle.Sample{}, fmt.Errorf("coingecko: no %s price for %s", vs, id)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return oracle.Sample{}, fmt.Errorf("coingecko: parse price: %w", err)
	}
	sample := oracle.Sample{Rate: rate}
	if updated, err := entry["last_updated_at"].Int64(); err == nil && updated > 0 {
		sample.Timestamp = time.Unix(updated, 0)
	}
	return sample, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
