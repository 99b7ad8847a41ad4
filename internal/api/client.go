package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/flagsync/internal/metrics"
	"github.com/dgnsrekt/flagsync/internal/transport"
)

// SplitFetcher fetches one page of flag changes.
type SplitFetcher interface {
	FetchSplitChanges(ctx context.Context, since int64) (*ChangeSet, error)
}

// MySegmentsFetcher fetches the full segment membership of a user key.
type MySegmentsFetcher interface {
	FetchMySegments(ctx context.Context, userKey string) ([]string, error)
}

// Authenticator obtains a streaming token.
type Authenticator interface {
	Authenticate(ctx context.Context, userKey string) (*Token, error)
}

// Requester sends a buffered request.
type Requester interface {
	SendRequest(ctx context.Context, endpoint string, params url.Values, headers map[string]string) (*transport.Response, error)
}

// Client talks to the SDK, auth and streaming endpoints.
type Client struct {
	requester Requester
	endpoints Endpoints
	sdkKey    string
	limiter   *rate.Limiter
	recorder  metrics.Recorder
	logger    *zap.Logger
}

func NewClient(requester Requester, endpoints Endpoints, sdkKey string, ratePerSec int, recorder metrics.Recorder, logger *zap.Logger) *Client {
	if ratePerSec < 1 {
		ratePerSec = 1
	}
	return &Client{
		requester: requester,
		endpoints: endpoints,
		sdkKey:    sdkKey,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		recorder:  recorder,
		logger:    logger,
	}
}

func (c *Client) FetchSplitChanges(ctx context.Context, since int64) (*ChangeSet, error) {
	params := url.Values{"since": {strconv.FormatInt(since, 10)}}
	body, err := c.get(ctx, c.endpoints.SplitChanges(), params, metrics.SplitChangeFetcher)
	if err != nil {
		return nil, fmt.Errorf("fetching split changes: %w", err)
	}

	var cs ChangeSet
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("%w: decoding split changes: %v", ErrMalformedPayload, err)
	}
	if cs.Since > cs.Till {
		return nil, fmt.Errorf("%w: since %d is after till %d", ErrMalformedPayload, cs.Since, cs.Till)
	}

	c.logger.Debug("split changes fetched",
		zap.Int64("since", cs.Since),
		zap.Int64("till", cs.Till),
		zap.Int("splits", len(cs.Splits)),
	)
	return &cs, nil
}

func (c *Client) FetchMySegments(ctx context.Context, userKey string) ([]string, error) {
	body, err := c.get(ctx, c.endpoints.MySegments(userKey), nil, metrics.MySegmentsFetcher)
	if err != nil {
		return nil, fmt.Errorf("fetching my segments: %w", err)
	}

	var resp mySegmentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding my segments: %v", ErrMalformedPayload, err)
	}

	segments := make([]string, 0, len(resp.MySegments))
	for _, s := range resp.MySegments {
		segments = append(segments, s.Name)
	}
	return segments, nil
}

func (c *Client) Authenticate(ctx context.Context, userKey string) (*Token, error) {
	params := url.Values{"users": {userKey}}
	body, err := c.get(ctx, c.endpoints.Auth(), params, "")
	if err != nil {
		return nil, fmt.Errorf("authenticating streaming: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding auth response: %v", ErrMalformedPayload, err)
	}
	if !resp.PushEnabled {
		return &Token{PushEnabled: false}, nil
	}
	return ParseToken(resp.Token)
}

// get issues a rate-limited request. A non-empty fetcher name records the
// latency and the status code under that name.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, fetcher string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := c.requester.SendRequest(ctx, endpoint, params, authHeaders(c.sdkKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	if fetcher != "" {
		c.recorder.Time(fetcher+"_time", time.Since(start))
		if !resp.IsSuccess() {
			c.recorder.Count(metrics.StatusCounter(fetcher, resp.StatusCode), 1)
		}
	}

	switch {
	case resp.IsSuccess():
		return resp.Body, nil
	case resp.IsCredentialsError():
		return nil, ErrAuthFailed
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServerUnavailable, resp.StatusCode)
	default:
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
}

var (
	_ SplitFetcher      = (*Client)(nil)
	_ MySegmentsFetcher = (*Client)(nil)
	_ Authenticator     = (*Client)(nil)
)
