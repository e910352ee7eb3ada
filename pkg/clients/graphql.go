package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/storesync/storesync/pkg/errors"
)

// QueryTransport executes admin GraphQL queries against one platform
// instance. The job lifecycle and listing adapters consume this contract.
type QueryTransport interface {
	Execute(ctx context.Context, query string, variables map[string]interface{}) (*QueryPayload, error)
}

// LocationFetcher fetches a bulk result payload from its remote location.
type LocationFetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// QueryPayload is a GraphQL response envelope.
type QueryPayload struct {
	Data   gojson.RawMessage `json:"data"`
	Errors []QueryError      `json:"errors,omitempty"`
}

// QueryError is a top-level GraphQL error.
type QueryError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// GraphQLConfig configures a client for one platform instance.
type GraphQLConfig struct {
	// Endpoint is the instance's admin GraphQL URL.
	Endpoint string
	// AccessToken authenticates requests. It is sent in TokenHeader and is
	// never logged.
	AccessToken string
	// TokenHeader names the header carrying the access token.
	TokenHeader string
	// RequestTimeout bounds a single HTTP exchange.
	RequestTimeout time.Duration
	// InsecureSkipVerify disables certificate verification (insecure)
	InsecureSkipVerify bool
}

// GraphQLClient is the HTTP implementation of QueryTransport and
// LocationFetcher for one platform instance.
type GraphQLClient struct {
	cfg        GraphQLConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGraphQLClient creates a client for the configured instance.
func NewGraphQLClient(cfg GraphQLConfig, logger *zap.Logger) *GraphQLClient {
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = "X-Access-Token"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("failed to configure HTTP/2", zap.Error(err))
	}

	return &GraphQLClient{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		logger: logger.With(zap.String("component", "graphql_client")),
	}
}

// Execute posts a GraphQL query and classifies failures for the throttle:
// HTTP 429 and 5xx become retryable transport errors, top-level THROTTLED
// errors become retryable rate-limit errors, and everything else the remote
// rejects is surfaced as a fatal validation error.
func (c *GraphQLClient) Execute(ctx context.Context, query string, variables map[string]interface{}) (*QueryPayload, error) {
	body, err := gojson.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.TokenHeader, c.cfg.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "request failed")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	payload := &QueryPayload{}
	if err := gojson.NewDecoder(resp.Body).Decode(payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode response")
	}

	if len(payload.Errors) > 0 {
		return nil, classifyQueryErrors(payload.Errors)
	}

	return payload, nil
}

// Fetch downloads a bulk result payload. The caller owns the returned body.
func (c *GraphQLClient) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}

	// Result locations are pre-signed; the access token must not leak to
	// the storage host.
	resp, err := c.fetchClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "payload fetch failed")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return nil, err
		}
		return nil, errors.Newf(errors.ErrorTypeTransport, "unexpected payload status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// fetchClient returns the HTTP client used for payload downloads. Payload
// streams can run for a long time, so the per-request timeout is lifted and
// cancellation is left to the context.
func (c *GraphQLClient) fetchClient() *http.Client {
	return &http.Client{Transport: c.httpClient.Transport}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return errors.New(errors.ErrorTypeRateLimit, "remote rate limit reached")
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.Newf(errors.ErrorTypeTimeout, "request timed out with status %d", status)
	case status >= 500:
		return errors.Newf(errors.ErrorTypeTransport, "remote returned status %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrorTypeRemoteRejected, "authentication rejected with status %d", status)
	default:
		return errors.Newf(errors.ErrorTypeRemoteRejected, "remote returned status %d", status)
	}
}

func classifyQueryErrors(errs []QueryError) error {
	for _, qe := range errs {
		if qe.Extensions.Code == "THROTTLED" {
			return errors.New(errors.ErrorTypeRateLimit, "query throttled").
				WithDetail("message", qe.Message)
		}
	}
	err := errors.Newf(errors.ErrorTypeRemoteRejected, "query rejected: %s", errs[0].Message)
	if len(errs) > 1 {
		err = err.WithDetail("additional_errors", len(errs)-1)
	}
	return err
}
