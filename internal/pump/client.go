package pump

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 5 * time.Second

	formContentType = "application/x-www-form-urlencoded"
	maxBodyBytes    = 256
)

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	baseURL string
	http    HTTPClient
	timeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(h HTTPClient) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds every request. Zero or negative keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a client for the device reachable at address (host or host:port).
func New(address string, opts ...Option) (*Client, error) {
	base, err := baseURL(address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: base,
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c, nil
}

func baseURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	// bare IPv6 literals need brackets to be dialable
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		address = "[" + address + "]"
	} else if strings.Count(address, ":") > 1 && !strings.HasPrefix(address, "[") {
		return "", fmt.Errorf("%w: %q is ambiguous, bracket IPv6 hosts", ErrInvalidAddress, address)
	}
	if strings.Contains(address, "://") {
		return "", fmt.Errorf("%w: %q must not carry a scheme", ErrInvalidAddress, address)
	}
	u, err := url.Parse("http://" + address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Host == "" || u.Hostname() == "" || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: %q is not a host", ErrInvalidAddress, address)
	}
	return "http://" + u.Host, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) TurnOn(ctx context.Context, relay Relay) Outcome {
	return c.do(ctx, OpTurnOn, relay, http.MethodGet, "/on"+strconv.Itoa(int(relay)), "")
}

func (c *Client) TurnOff(ctx context.Context, relay Relay) Outcome {
	return c.do(ctx, OpTurnOff, relay, http.MethodGet, "/off"+strconv.Itoa(int(relay)), "")
}

func (c *Client) SetTimer(ctx context.Context, t Timer) Outcome {
	return c.do(ctx, OpSetTimer, t.Relay, http.MethodPost, "/timer", t.payload())
}

func (c *Client) do(ctx context.Context, op Op, relay Relay, method, path, body string) Outcome {
	out := Outcome{Op: op, Relay: relay}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		out.Err = fmt.Errorf("%w: build request: %w", ErrTransport, err)
		return out
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", formContentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrTransport, err)
		return out
	}
	defer res.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	_, _ = io.Copy(io.Discard, res.Body)

	out.StatusCode = res.StatusCode
	out.Body = strings.TrimSpace(string(b))
	if res.StatusCode != http.StatusOK {
		out.Err = fmt.Errorf("%w: status %d", ErrDeviceRejected, res.StatusCode)
	}
	return out
}
