package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 16 << 20

// ServerTimestamp is the write sentinel the database replaces with its
// own clock.
var ServerTimestamp = map[string]string{".sv": "timestamp"}

type Config struct {
	APIKey      string
	DatabaseURL string
	AuthURL     string
	TokenURL    string
	// RequestTimeout bounds one-shot REST calls. Zero means 15s.
	RequestTimeout time.Duration
	// StreamConnectTimeout bounds dialing and waiting for response
	// headers of an event stream. The stream itself has no deadline.
	StreamConnectTimeout time.Duration
	// HTTPClient overrides the client used for REST calls.
	HTTPClient *http.Client
	// StreamClient overrides the client used for event streams.
	StreamClient *http.Client
	Logger       *slog.Logger
}

// Client talks to the identity, token and database endpoints of the
// backend. It holds no credentials; tokens are passed per call.
type Client struct {
	apiKey       string
	databaseURL  string
	authURL      string
	tokenURL     string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("backend: API key is required")
	}
	for name, raw := range map[string]string{
		"database": config.DatabaseURL,
		"auth":     config.AuthURL,
		"token":    config.TokenURL,
	} {
		if raw == "" {
			return nil, fmt.Errorf("backend: %s URL is required", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("backend: invalid %s URL %q: %w", name, raw, err)
		}
	}

	requestTimeout := config.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 15 * time.Second
	}
	connectTimeout := config.StreamConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	streamClient := config.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: connectTimeout,
			},
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:       config.APIKey,
		databaseURL:  strings.TrimRight(config.DatabaseURL, "/"),
		authURL:      strings.TrimRight(config.AuthURL, "/"),
		tokenURL:     strings.TrimRight(config.TokenURL, "/"),
		httpClient:   httpClient,
		streamClient: streamClient,
		logger:       logger,
	}, nil
}

// Identity calls an identity toolkit account method such as
// "signInWithPassword" and decodes the response into out.
func (c *Client) Identity(ctx context.Context, method string, body, out any) error {
	endpoint := c.authURL + "/accounts:" + method + "?key=" + url.QueryEscape(c.apiKey)
	return c.do(ctx, http.MethodPost, endpoint, "accounts:"+method, body, out)
}

// Token calls the secure token endpoint.
func (c *Client) Token(ctx context.Context, body, out any) error {
	endpoint := c.tokenURL + "/token?key=" + url.QueryEscape(c.apiKey)
	return c.do(ctx, http.MethodPost, endpoint, "token", body, out)
}

// Get reads the database node at path. A missing node is JSON null, which
// decodes to the zero value of maps, slices and pointers.
func (c *Client) Get(ctx context.Context, path, token string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, c.databaseEndpoint(path, token, query), "GET "+path, nil, out)
}

// Post appends body as a new child of path. out receives {"name": key}.
func (c *Client) Post(ctx context.Context, path, token string, body, out any) error {
	return c.do(ctx, http.MethodPost, c.databaseEndpoint(path, token, nil), "POST "+path, body, out)
}

// Patch applies a multi-path update rooted at path.
func (c *Client) Patch(ctx context.Context, path, token string, body any) error {
	return c.do(ctx, http.MethodPatch, c.databaseEndpoint(path, token, nil), "PATCH "+path, body, nil)
}

// OpenStream opens a server-sent event stream on the database node at
// path. The caller owns the returned body and cancels the stream through
// ctx or by closing it.
func (c *Client) OpenStream(ctx context.Context, path, token string, query url.Values) (io.ReadCloser, error) {
	op := "STREAM " + path
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.databaseEndpoint(path, token, query), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.streamClient.Do(request)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
		return nil, parseAuthError(response.StatusCode, body)
	}

	c.logger.Debug("event stream opened", "path", path)
	return response.Body, nil
}

// databaseEndpoint builds {databaseURL}/{path}.json with the auth
// token as a query parameter, which is how the database accepts
// credentials.
func (c *Client) databaseEndpoint(path, token string, query url.Values) string {
	values := url.Values{}
	for k, v := range query {
		values[k] = v
	}
	if token != "" {
		values.Set("auth", token)
	}

	endpoint := c.databaseURL + "/" + strings.Trim(path, "/") + ".json"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint, op string, requestBody, out any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("backend: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("backend: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		authErr := parseAuthError(response.StatusCode, responseBody)
		c.logger.Debug("backend request rejected", "op", op, "status", response.StatusCode, "message", authErr.Message)
		return authErr
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("backend: failed to decode %s response: %w", op, err)
	}
	return nil
}
