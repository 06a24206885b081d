package openai

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// required
	BaseURL string

	APIKey string // optional; sent as a bearer token when set
	Model  string // pinned model id, overwrites the request's model when set

	ListTimeout time.Duration // GET /models timeout (default: 2s)

	// Optional connection pool settings
	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks required fields only.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BaseURL %q must be an http(s) URL", c.BaseURL)
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	// Trim trailing slashes so paths can be appended safely.
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 2 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	return cfg
}

// Adapter talks to an OpenAI-compatible chat completions API.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	ownsClient bool
	logger     *zap.Logger
}

// New creates a remote adapter with the given configuration.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openai: invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	owns := httpClient == nil
	if owns {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	return &Adapter{
		cfg:        cfg,
		httpClient: httpClient,
		ownsClient: owns,
		logger:     logger.Named("openai"),
	}, nil
}

// Model returns the pinned model id, or "" when the adapter only lists models.
func (a *Adapter) Model() string {
	return a.cfg.Model
}

// BaseURL returns the normalized base URL.
func (a *Adapter) BaseURL() string {
	return a.cfg.BaseURL
}

// defaultTransport has no overall response timeout: streams may run for minutes.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases idle connections of a client the adapter built. A client
// passed in through Config.HTTPClient is left to its owner.
func (a *Adapter) Close() error {
	if a.ownsClient {
		a.httpClient.CloseIdleConnections()
	}
	return nil
}
