// Package remote implements the client for the biometric appliance's
// count/record API. The appliance is rate limited and frequently behind a
// self-signed certificate, so the client carries its own transport, timeout,
// and client-side limiter; nothing here touches process-global HTTP state.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"punchsync/internal/platform/metrics"
	"punchsync/internal/punch"
	dErrors "punchsync/pkg/domain-errors"
)

const (
	authPath  = "/api/v1/auth"
	queryPath = "/api/v1/punches/query"

	// Tokens without an exp claim are refreshed on this schedule.
	defaultTokenLifetime = 30 * time.Minute

	// Refresh slightly before the token actually expires.
	tokenExpirySlack = time.Minute
)

// Config holds the connection settings for one appliance endpoint.
type Config struct {
	BaseURL     string
	Username    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool
	RatePerSec  float64
}

// Client talks to the remote attendance source. Safe for concurrent use; the
// bearer credential is refreshed lazily when expired.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 4
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		// Scoped to this client only. The appliance ships a self-signed
		// certificate that cannot be rotated in the field.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Count returns the total number of remote records in the window, using a
// page of size 1 and reading the envelope's total field to minimize payload.
func (c *Client) Count(ctx context.Context, w punch.Window) (int, error) {
	resp, err := c.query(ctx, w, 0, 1)
	if err != nil {
		return 0, err
	}
	return *resp.Total, nil
}

// Fetch returns one page of records plus the remote total for the window.
func (c *Client) Fetch(ctx context.Context, w punch.Window, page, pageSize int) ([]punch.Record, int, error) {
	resp, err := c.query(ctx, w, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	records := make([]punch.Record, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		records = append(records, punch.Record{
			RemoteID:     row.ID,
			EmployeeCode: row.EmployeeCode,
			PunchedAt:    row.PunchTime,
			Direction:    parseDirection(row.Direction),
			DeviceID:     row.DeviceID,
			Location:     row.Location,
		})
	}
	return records, *resp.Total, nil
}

// Healthy probes the appliance by authenticating. It deliberately does not
// share the degrade-to-zero behavior callers apply to Count failures.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.bearer(ctx, true)
	return err
}

func (c *Client) query(ctx context.Context, w punch.Window, page, pageSize int) (*queryResponse, error) {
	token, err := c.bearer(ctx, false)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(queryRequest{Start: w.Start, End: w.End, Page: page, PageSize: pageSize})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode query request")
	}

	start := c.clock()
	var envelope queryResponse
	status, err := c.do(ctx, queryPath, token, body, &envelope)
	c.observe("query", start, err)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		// Credential aged out server-side; refresh once and retry.
		if token, err = c.bearer(ctx, true); err != nil {
			return nil, err
		}
		start = c.clock()
		status, err = c.do(ctx, queryPath, token, body, &envelope)
		c.observe("query", start, err)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, dErrors.New(dErrors.CodeUnavailable, fmt.Sprintf("remote query returned status %d", status))
	}
	if envelope.Total == nil || *envelope.Total < 0 {
		return nil, dErrors.New(dErrors.CodeUnavailable, "remote envelope missing total count")
	}
	return &envelope, nil
}

// bearer returns a valid token, authenticating when the cached one is absent,
// expired, or force is set.
func (c *Client) bearer(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if !force && c.token != "" && now.Before(c.tokenExpiry.Add(-tokenExpirySlack)) {
		return c.token, nil
	}

	body, err := json.Marshal(authRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "encode auth request")
	}

	start := now
	var resp authResponse
	status, err := c.do(ctx, authPath, "", body, &resp)
	c.observe("auth", start, err)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || resp.Token == "" {
		return "", dErrors.New(dErrors.CodeUnavailable, fmt.Sprintf("remote authentication failed with status %d", status))
	}

	c.token = resp.Token
	c.tokenExpiry = tokenExpiry(resp.Token, c.clock())
	return c.token, nil
}

// do issues one rate-limited POST and decodes the JSON response into out.
// Decode failures map to CodeUnavailable, same as network errors, so callers
// have a single remote-unavailable path.
func (c *Client) do(ctx context.Context, path, token string, body []byte, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limiter interrupted")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "build remote request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "remote call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "decode remote response")
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RemoteCalls.WithLabelValues(op, outcome).Inc()
	c.metrics.RemoteCallDuration.Observe(c.clock().Sub(start).Seconds())
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is opaque to us and only its lifetime matters for refresh scheduling.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(defaultTokenLifetime)
}

func parseDirection(s string) punch.Direction {
	switch s {
	case "in", "IN", "check-in":
		return punch.DirectionIn
	case "out", "OUT", "check-out":
		return punch.DirectionOut
	default:
		return punch.DirectionUnknown
	}
}
