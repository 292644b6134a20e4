package codegate

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the codegate server address.
// If not set, defaults to the CODEGATE_SERVER_ADDR environment variable,
// then "http://127.0.0.1:8311".
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the API key sent as a bearer token on every request.
// If not set, defaults to the CODEGATE_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithWorkspace sets the default workspace for list calls and run
// submissions that do not name one.
func WithWorkspace(id string) Option {
	return func(c *Client) {
		c.workspaceID = id
	}
}

// WithClientID sets the client identifier attached to submitted runs.
// If not set, defaults to "sdk-go".
func WithClientID(id string) Option {
	return func(c *Client) {
		c.clientID = id
	}
}

// WithTimeout sets the HTTP request timeout for non-streaming calls.
// If not set, defaults to 30 seconds. Event streams are exempt; they run
// until the terminal event or context cancellation.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}
