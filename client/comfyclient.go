package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/comfygen/comfygen/metrics"
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend.
// It holds no per-job state and is safe for concurrent use; every job opens its own Session.
type ComfyClient struct {
	baseURL        *url.URL
	httpclient     *http.Client
	dialer         *websocket.Dialer
	log            logrus.FieldLogger
	metrics        *metrics.Registry
	connectRetries int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	queueTimeout   time.Duration
}

// DefaultQueueTimeout bounds a queue snapshot request unless WithQueueTimeout says otherwise
const DefaultQueueTimeout = 2 * time.Second

// Option configures a ComfyClient
type Option func(*ComfyClient)

// WithHttpClient sets the underlying http client
func WithHttpClient(hc *http.Client) Option {
	return func(c *ComfyClient) {
		c.httpclient = hc
	}
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *ComfyClient) {
		c.log = l
	}
}

// WithMetrics sets the metrics registry
func WithMetrics(r *metrics.Registry) Option {
	return func(c *ComfyClient) {
		c.metrics = r
	}
}

// WithConnectRetries sets how many times the websocket dial is retried, with
// exponential backoff between baseDelay and maxDelay
func WithConnectRetries(retries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *ComfyClient) {
		c.connectRetries = retries
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithHandshakeTimeout bounds the websocket handshake
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *ComfyClient) {
		c.dialer.HandshakeTimeout = d
	}
}

// WithQueueTimeout bounds each queue snapshot request.  The snapshot is only
// used for position estimates, so it must never hold up a job.
func WithQueueTimeout(d time.Duration) Option {
	return func(c *ComfyClient) {
		c.queueTimeout = d
	}
}

// NewComfyClient creates a client for the backend at serverAddress, given either
// as host:port or as an http(s) URL.
func NewComfyClient(serverAddress string, opts ...Option) (*ComfyClient, error) {
	addr := strings.TrimSuffix(strings.TrimSpace(serverAddress), "/")
	if addr == "" {
		return nil, fmt.Errorf("empty server address")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", serverAddress, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", serverAddress)
	}

	c := &ComfyClient{
		baseURL:    u,
		httpclient: &http.Client{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log:            logrus.StandardLogger(),
		metrics:        metrics.DefaultRegistry(),
		connectRetries: 3,
		retryBaseDelay: 500 * time.Millisecond,
		retryMaxDelay:  5 * time.Second,
		queueTimeout:   DefaultQueueTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ServerAddress returns the backend base URL
func (c *ComfyClient) ServerAddress() string {
	return c.baseURL.String()
}

// HttpClient returns the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// Metrics returns the registry the client records into
func (c *ComfyClient) Metrics() *metrics.Registry {
	return c.metrics
}

// endpoint builds the URL of a backend route
func (c *ComfyClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// websocketURL builds ws(s)://{host}/ws?clientId={sessionID}
func (c *ComfyClient) websocketURL(sessionID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {sessionID}}.Encode()
	return u.String()
}
