package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxQuoteBodyBytes bounds how much of an upstream response we are willing
// to read for a single quote.
const maxQuoteBodyBytes = 64 * 1024

// HTTPSourceConfig configures a generic JSON-over-HTTP price feed adapter.
// URL must contain a "{pair}" placeholder, e.g.
// "https://feed.example.com/v1/spot/{pair}".
type HTTPSourceConfig struct {
	ID  string
	URL string

	// JSON field names in the upstream response. Zero values fall back to
	// "price", "confidence" and "timestamp".
	PriceField      string
	ConfidenceField string
	TimestampField  string
}

// HTTPSource fetches quotes from a JSON HTTP endpoint. It holds no state
// beyond its HTTP client and never interprets consensus.
type HTTPSource struct {
	cfg    HTTPSourceConfig
	client *http.Client
	clock  func() time.Time
}

// NewHTTPSource builds an adapter around client (nil uses a dedicated
// default client with sane connection reuse).
func NewHTTPSource(cfg HTTPSourceConfig, client *http.Client) (*HTTPSource, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("oracle: http source requires an id")
	}
	if !strings.Contains(cfg.URL, "{pair}") {
		return nil, fmt.Errorf("oracle: http source %q URL must contain a {pair} placeholder", cfg.ID)
	}
	if cfg.PriceField == "" {
		cfg.PriceField = "price"
	}
	if cfg.ConfidenceField == "" {
		cfg.ConfidenceField = "confidence"
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "timestamp"
	}
	if client == nil {
		client = &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 4}}
	}
	return &HTTPSource{cfg: cfg, client: client, clock: time.Now}, nil
}

// ID implements Source.
func (s *HTTPSource) ID() string { return s.cfg.ID }

// Fetch implements Source. The request is bound to ctx, so the manager's
// per-source deadline cancels the underlying connection.
func (s *HTTPSource) Fetch(ctx context.Context, pair string, _ time.Time) (Quote, error) {
	url := strings.ReplaceAll(s.cfg.URL, "{pair}", strings.ReplaceAll(pair, "/", "-"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: %s: build request: %w", s.cfg.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: %s: %w", s.cfg.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("oracle: %s: unexpected status %d", s.cfg.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQuoteBodyBytes))
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: %s: read body: %w", s.cfg.ID, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Quote{}, fmt.Errorf("oracle: %s: malformed response: %w", s.cfg.ID, err)
	}

	now := s.clock()
	q := Quote{SourceID: s.cfg.ID, Pair: pair, ReceivedAt: now}

	price, ok := payload[s.cfg.PriceField]
	if !ok {
		return Quote{}, fmt.Errorf("oracle: %s: response missing %q", s.cfg.ID, s.cfg.PriceField)
	}
	q.Price, ok = asFloat(price)
	if !ok || q.Price <= 0 {
		return Quote{}, fmt.Errorf("oracle: %s: untyped or non-positive price %v", s.cfg.ID, price)
	}

	// Confidence is optional; a provider that omits it is fully confident.
	// A provider that sends garbage for it is an error, not a default.
	q.Confidence = 1.0
	if raw, present := payload[s.cfg.ConfidenceField]; present {
		c, ok := asFloat(raw)
		if !ok || c < 0 || c > 1 {
			return Quote{}, fmt.Errorf("oracle: %s: invalid confidence %v", s.cfg.ID, raw)
		}
		q.Confidence = c
	}

	q.ObservedAt = now
	if raw, present := payload[s.cfg.TimestampField]; present {
		ts, ok := asFloat(raw)
		if !ok {
			return Quote{}, fmt.Errorf("oracle: %s: invalid timestamp %v", s.cfg.ID, raw)
		}
		q.ObservedAt = time.Unix(int64(ts), 0)
	}
	return q, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
