package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/pkg/circuitbreaker"
	"streamcore/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	calls atomic.Int32
}

func (o *recordingObserver) ProviderCall(string, time.Duration, error) {
	o.calls.Add(1)
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*HTTPProvider, *recordingObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	obs := &recordingObserver{}
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 2
	p := NewHTTPProvider(Options{
		BaseURL:         srv.URL,
		APIKey:          "k",
		IngestURL:       "rtmp://ingest/live",
		PlaybackBaseURL: "https://cdn/hls",
		Timeout:         time.Second,
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
		CircuitBreaker: cb,
	}, obs, zap.NewNop().Sugar())
	return p.(*HTTPProvider), obs
}

func TestHTTPProvider_CreateStream(t *testing.T) {
	p, obs := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stream", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"p1","streamKey":"sk","playbackId":"pb1","isActive":false}`))
	})

	ps, err := p.CreateStream(context.Background(), "Launch Day")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStreamID("p1"), ps.ProviderStreamID)
	assert.Equal(t, "sk", ps.SecretKey)
	assert.Equal(t, "rtmp://ingest/live", ps.IngestEndpoint)
	assert.Equal(t, "https://cdn/hls/pb1/index.m3u8", ps.PlaybackEndpoint)
	assert.Equal(t, int32(1), obs.calls.Load())
}

func TestHTTPProvider_CreateIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := p.CreateStream(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPProvider_QueryActivityRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"p1","isActive":true,"lastSeen":1700000000000}`))
	})

	act, err := p.QueryActivity(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, act.Active)
	require.NotNil(t, act.LastActiveAt)
	assert.Equal(t, int64(1700000000000), act.LastActiveAt.UnixMilli())
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPProvider_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":["invalid api key"]}`))
	})

	_, err := p.QueryActivity(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, circuitbreaker.StateClosed, p.breaker.GetState())
}

func TestHTTPProvider_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	require.NoError(t, p.Healthy(context.Background()))
	_, err := p.QueryActivity(context.Background(), "p1")
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, p.breaker.GetState())
	assert.ErrorIs(t, p.Healthy(context.Background()), domain.ErrUpstreamUnavailable)
	before := hits.Load()

	_, err = p.QueryActivity(context.Background(), "p1")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, before, hits.Load())
}

func TestHTTPProvider_DeleteTreatsNotFoundAsDone(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, p.DeleteStream(context.Background(), "gone"))
}

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider("rtmp://local/live", "http://local/hls")
	ctx := context.Background()

	a, err := p.CreateStream(ctx, "a")
	require.NoError(t, err)
	b, err := p.CreateStream(ctx, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.SecretKey, b.SecretKey)
	assert.NotEmpty(t, a.PlaybackEndpoint)

	act, err := p.QueryActivity(ctx, a.ProviderStreamID)
	require.NoError(t, err)
	assert.False(t, act.Active)

	p.SetActive(a.ProviderStreamID, true)
	p.SetActive(a.ProviderStreamID, false)
	act, err = p.QueryActivity(ctx, a.ProviderStreamID)
	require.NoError(t, err)
	assert.False(t, act.Active)
	assert.NotNil(t, act.LastActiveAt)

	p.FailNext(1)
	_, err = p.QueryActivity(ctx, a.ProviderStreamID)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	require.NoError(t, p.DeleteStream(ctx, a.ProviderStreamID))
	assert.False(t, p.Has(a.ProviderStreamID))
}
