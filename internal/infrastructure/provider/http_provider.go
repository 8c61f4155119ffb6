package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/circuitbreaker"
	"streamcore/pkg/retry"
	"streamcore/pkg/tracing"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CallObserver receives the latency of every provider request.
type CallObserver interface {
	ProviderCall(operation string, duration time.Duration, err error)
}

type Options struct {
	BaseURL         string
	APIKey          string
	IngestURL       string
	PlaybackBaseURL string
	Timeout         time.Duration
	Retry           retry.Config
	CircuitBreaker  circuitbreaker.Config
}

// HTTPProvider talks to a Livepeer-style REST API:
//
//	POST   {base}/stream       {"name"}      -> stream object
//	GET    {base}/stream/{id}                -> stream object
//	DELETE {base}/stream/{id}
//
// The stream object carries id, streamKey, playbackId, isActive and lastSeen
// (unix millis, 0 when never seen).
type HTTPProvider struct {
	opts     Options
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	observer CallObserver
	logger   *zap.SugaredLogger
}

type streamObject struct {
	ID         string `json:"id"`
	StreamKey  string `json:"streamKey"`
	PlaybackID string `json:"playbackId"`
	IsActive   bool   `json:"isActive"`
	LastSeen   int64  `json:"lastSeen"`
}

type apiError struct {
	Errors []string `json:"errors"`
}

func NewHTTPProvider(opts Options, observer CallObserver, logger *zap.SugaredLogger) ports.IngestProvider {
	cbConfig := opts.CircuitBreaker
	// Client errors say nothing about provider health.
	cbConfig.IsFailure = func(err error) bool {
		return !retry.IsPermanent(err) && !errors.Is(err, context.Canceled)
	}
	breaker := circuitbreaker.New(cbConfig)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("provider circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &HTTPProvider{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		breaker:  breaker,
		observer: observer,
		logger:   logger,
	}
}

// Healthy reports the provider as unavailable while the circuit breaker is
// open. It never calls the API.
func (p *HTTPProvider) Healthy(context.Context) error {
	if stats := p.breaker.GetStats(); stats.State == circuitbreaker.StateOpen {
		return fmt.Errorf("%w: circuit open since %s", domain.ErrUpstreamUnavailable, stats.StateChangeTime.Format(time.RFC3339))
	}
	return nil
}

func (p *HTTPProvider) CreateStream(ctx context.Context, name string) (*domain.ProvisionedStream, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}

	// Creation is not idempotent on the provider side, so it is not retried.
	obj, err := p.call(ctx, "create", "", func(ctx context.Context) (*streamObject, error) {
		return p.do(ctx, http.MethodPost, "/stream", body, http.StatusCreated, http.StatusOK)
	}, false)
	if err != nil {
		return nil, err
	}
	if obj.ID == "" || obj.StreamKey == "" || obj.PlaybackID == "" {
		return nil, fmt.Errorf("%w: incomplete stream object", domain.ErrUpstreamUnavailable)
	}

	return &domain.ProvisionedStream{
		ProviderStreamID: domain.ProviderStreamID(obj.ID),
		IngestEndpoint:   strings.TrimRight(p.opts.IngestURL, "/"),
		SecretKey:        obj.StreamKey,
		PlaybackEndpoint: fmt.Sprintf("%s/%s/index.m3u8", strings.TrimRight(p.opts.PlaybackBaseURL, "/"), obj.PlaybackID),
	}, nil
}

func (p *HTTPProvider) QueryActivity(ctx context.Context, id domain.ProviderStreamID) (*domain.IngestActivity, error) {
	obj, err := p.call(ctx, "query_activity", string(id), func(ctx context.Context) (*streamObject, error) {
		return p.do(ctx, http.MethodGet, "/stream/"+string(id), nil, http.StatusOK)
	}, true)
	if err != nil {
		return nil, err
	}

	activity := &domain.IngestActivity{
		Active:    obj.IsActive,
		CheckedAt: time.Now(),
	}
	if obj.LastSeen > 0 {
		t := time.UnixMilli(obj.LastSeen)
		activity.LastActiveAt = &t
	}
	return activity, nil
}

func (p *HTTPProvider) DeleteStream(ctx context.Context, id domain.ProviderStreamID) error {
	_, err := p.call(ctx, "delete", string(id), func(ctx context.Context) (*streamObject, error) {
		_, err := p.do(ctx, http.MethodDelete, "/stream/"+string(id), nil, http.StatusNoContent, http.StatusOK, http.StatusNotFound)
		return nil, err
	}, true)
	return err
}

// call wraps one logical operation with tracing, the circuit breaker,
// optional retries and latency observation. Every failure is reported as
// domain.ErrUpstreamUnavailable.
func (p *HTTPProvider) call(
	ctx context.Context,
	operation string,
	providerStreamID string,
	fn func(context.Context) (*streamObject, error),
	retryable bool,
) (*streamObject, error) {
	ctx, span := tracing.TraceProviderCall(ctx, operation, providerStreamID)
	defer span.End()

	start := time.Now()
	attempt := func() (*streamObject, error) {
		return circuitbreaker.Call(ctx, p.breaker, func() (*streamObject, error) {
			return fn(ctx)
		})
	}

	var (
		obj *streamObject
		err error
	)
	if retryable {
		obj, err = retry.Do(ctx, p.opts.Retry, func() (*streamObject, error) {
			obj, err := attempt()
			if errors.Is(err, circuitbreaker.ErrOpen) {
				return nil, retry.Permanent(err)
			}
			return obj, err
		})
	} else {
		obj, err = attempt()
	}

	if p.observer != nil {
		p.observer.ProviderCall(operation, time.Since(start), err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		p.logger.Debugw("provider call failed",
			"operation", operation,
			"provider_stream_id", providerStreamID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, operation, err)
	}
	return obj, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, okStatus ...int) (*streamObject, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.opts.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if !statusIn(resp.StatusCode, okStatus) {
		err := fmt.Errorf("%s %s failed with status code: %d%s", method, path, resp.StatusCode, describe(raw))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	if len(raw) == 0 || resp.StatusCode == http.StatusNotFound {
		return &streamObject{}, nil
	}

	var obj streamObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode stream object: %w", err))
	}
	return &obj, nil
}

func statusIn(code int, allowed []int) bool {
	for _, c := range allowed {
		if code == c {
			return true
		}
	}
	return false
}

func describe(raw []byte) string {
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && len(e.Errors) > 0 {
		return ": " + strings.Join(e.Errors, "; ")
	}
	return ""
}
