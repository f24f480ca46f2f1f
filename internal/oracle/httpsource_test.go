package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spot/BTC-USD", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 67000.5, "confidence": 0.97, "timestamp": 1756000000}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPSourceConfig{ID: "feed", URL: srv.URL + "/spot/{pair}"}, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "feed", src.ID())

	q, err := src.Fetch(context.Background(), "BTC/USD", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "feed", q.SourceID)
	assert.Equal(t, "BTC/USD", q.Pair)
	assert.Equal(t, 67000.5, q.Price)
	assert.Equal(t, 0.97, q.Confidence)
	assert.Equal(t, time.Unix(1756000000, 0), q.ObservedAt)
	assert.False(t, q.ReceivedAt.IsZero())
}

func TestHTTPSourceCustomFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"px": 1850.25, "conf": 0.9}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPSourceConfig{
		ID: "feed", URL: srv.URL + "/{pair}", PriceField: "px", ConfidenceField: "conf",
	}, srv.Client())
	require.NoError(t, err)

	q, err := src.Fetch(context.Background(), "ETH/USD", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1850.25, q.Price)
	assert.Equal(t, 0.9, q.Confidence)
}

func TestHTTPSourceOmittedConfidenceDefaultsToFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price": 100}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPSourceConfig{ID: "feed", URL: srv.URL + "/{pair}"}, srv.Client())
	require.NoError(t, err)

	q, err := src.Fetch(context.Background(), "BTC/USD", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.0, q.Confidence)
}

func TestHTTPSourceErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"non-200", `{}`, http.StatusBadGateway},
		{"malformed json", `{not json`, http.StatusOK},
		{"missing price", `{"volume": 3}`, http.StatusOK},
		{"non-positive price", `{"price": -5}`, http.StatusOK},
		{"garbage confidence", `{"price": 100, "confidence": "high"}`, http.StatusOK},
		{"confidence out of range", `{"price": 100, "confidence": 1.5}`, http.StatusOK},
		{"garbage timestamp", `{"price": 100, "timestamp": "yesterday"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src, err := NewHTTPSource(HTTPSourceConfig{ID: "feed", URL: srv.URL + "/{pair}"}, srv.Client())
			require.NoError(t, err)

			_, err = src.Fetch(context.Background(), "BTC/USD", time.Now())
			assert.Error(t, err)
		})
	}
}

func TestHTTPSourceHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	src, err := NewHTTPSource(HTTPSourceConfig{ID: "feed", URL: srv.URL + "/{pair}"}, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Fetch(ctx, "BTC/USD", time.Now())
	assert.Error(t, err)
}

func TestNewHTTPSourceValidation(t *testing.T) {
	_, err := NewHTTPSource(HTTPSourceConfig{URL: "https://x/{pair}"}, nil)
	assert.Error(t, err, "missing id")

	_, err = NewHTTPSource(HTTPSourceConfig{ID: "feed", URL: "https://x/spot"}, nil)
	assert.Error(t, err, "missing {pair} placeholder")
}
