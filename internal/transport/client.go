package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const readChunkSize = 32 * 1024

// Client issues HTTP calls whose callbacks are demultiplexed by a RequestManager.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	manager      *RequestManager
	logger       *zap.Logger
}

// NewClient builds a Client. timeout bounds plain requests only; streams stay
// open until closed or the server disconnects.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	base := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(base); err != nil {
		logger.Warn("http2 not configured", zap.Error(err))
	}
	rt := gzhttp.Transport(base)

	return &Client{
		httpClient:   &http.Client{Transport: rt, Timeout: timeout},
		streamClient: &http.Client{Transport: rt},
		manager:      NewRequestManager(logger),
		logger:       logger,
	}
}

// NewClientWithHTTP wraps existing http.Clients, mainly for tests.
func NewClientWithHTTP(httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		httpClient:   httpClient,
		streamClient: httpClient,
		manager:      NewRequestManager(logger),
		logger:       logger,
	}
}

// Manager exposes the demultiplexer backing this client.
func (c *Client) Manager() *RequestManager {
	return c.manager
}

// SendRequest performs a GET and waits for the buffered response.
func (c *Client) SendRequest(ctx context.Context, endpoint string, params url.Values, headers map[string]string) (*Response, error) {
	req, err := buildRequest(ctx, endpoint, params, headers)
	if err != nil {
		return nil, err
	}

	dr := newDataRequest(uuid.NewString())
	c.manager.Add(dr)
	go c.execute(c.httpClient, req, dr.ID())

	return dr.Wait(ctx)
}

// SendStreamRequest opens a long-lived GET. It returns immediately; the
// outcome arrives on the request's Events channel.
func (c *Client) SendStreamRequest(ctx context.Context, endpoint string, params url.Values, headers map[string]string) (*StreamRequest, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := buildRequest(streamCtx, endpoint, params, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	sr := newStreamRequest(uuid.NewString(), cancel)
	c.manager.Add(sr)
	go c.execute(c.streamClient, req, sr.ID())

	return sr, nil
}

func (c *Client) execute(hc *http.Client, req *http.Request, id string) {
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		c.manager.Complete(id, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !c.manager.SetResponseCode(id, resp.StatusCode) {
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.manager.Append(id, chunk)
		}
		if readErr == io.EOF {
			c.manager.Complete(id, nil)
			return
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) {
				readErr = fmt.Errorf("%w: %v", ErrCancelled, readErr)
			}
			c.manager.Complete(id, readErr)
			return
		}
	}
}

func buildRequest(ctx context.Context, endpoint string, params url.Values, headers map[string]string) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
