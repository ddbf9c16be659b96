package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL  = "https://discord.com/api/v10"
	gatewayVersion  = 10
	gatewayEncoding = "json"
)

// ErrGatewayNotFound is returned when Discord cannot hand out a gateway URL,
// usually because the token is malformed or revoked.
var ErrGatewayNotFound = errors.New("gateway not found")

type Client struct {
	httpBaseURL string
	httpClient  *http.Client
	wsDialer    *websocket.Dialer
	botToken    string
}

type ClientArguments struct {
	BotToken string
	BaseURL  string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func NewClient(args ClientArguments) *Client {
	if args.BaseURL == "" {
		args.BaseURL = defaultBaseURL
	}
	if args.HTTPClient == nil {
		args.HTTPClient = http.DefaultClient
	}
	return &Client{
		httpBaseURL: args.BaseURL,
		httpClient:  args.HTTPClient,
		wsDialer:    websocket.DefaultDialer,
		botToken:    args.BotToken,
	}
}

func (c *Client) URL() string {
	return c.httpBaseURL
}

type RequestOptions struct {
	Headers map[string]string
}

func (c *Client) makeRequest(ctx context.Context, method string, url string, body io.Reader, options *RequestOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	// Mandatory headers.
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Authorization", fmt.Sprintf("Bot %s", c.botToken))

	if options != nil {
		for k, v := range options.Headers {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func (c *Client) Get(ctx context.Context, url string, body io.Reader, options *RequestOptions) (*http.Response, error) {
	req, err := c.makeRequest(ctx, http.MethodGet, url, body, options)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *Client) Post(ctx context.Context, url string, body io.Reader, options *RequestOptions) (*http.Response, error) {
	req, err := c.makeRequest(ctx, http.MethodPost, url, body, options)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

type gatewayResponse struct {
	URL string `json:"url"`
}

type botGatewayResponse struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// GetGateway returns the shared websocket URL for connecting to the gateway.
// No authentication is needed for this route.
func (c *Client) GetGateway(ctx context.Context) (string, error) {
	res, err := c.Get(ctx, fmt.Sprintf("%s/gateway", c.httpBaseURL), nil, nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", ErrGatewayNotFound
	}
	data := &gatewayResponse{}
	if err := json.NewDecoder(res.Body).Decode(data); err != nil {
		return "", err
	}
	return data.URL, nil
}

// GetBotGateway returns the recommended shard count along with the gateway
// URL for the authenticated bot.
func (c *Client) GetBotGateway(ctx context.Context) (int, string, error) {
	res, err := c.Get(ctx, fmt.Sprintf("%s/gateway/bot", c.httpBaseURL), nil, nil)
	if err != nil {
		return 0, "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, "", ErrGatewayNotFound
	}
	data := &botGatewayResponse{}
	if err := json.NewDecoder(res.Body).Decode(data); err != nil {
		return 0, "", err
	}
	return data.Shards, data.URL, nil
}

// DialGateway opens a websocket to the given gateway URL with the protocol
// version, encoding and transport compression applied as query parameters.
func (c *Client) DialGateway(ctx context.Context, urlStr string) (*websocket.Conn, error) {
	gatewayURL, err := FormatGatewayURL(urlStr)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.wsDialer.DialContext(ctx, gatewayURL, nil)
	return conn, err
}

func FormatGatewayURL(urlStr string) (string, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("v", fmt.Sprintf("%d", gatewayVersion))
	q.Set("encoding", gatewayEncoding)
	q.Set("compress", "zlib-stream")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
