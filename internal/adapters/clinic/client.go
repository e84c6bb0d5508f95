package clinic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/shared/metrics"
)

const (
	loginPath  = "custom/apps/api.php?login"
	recordPath = "custom/apps/api.php?afn=admin&cfn=kpis"

	// maxResponseBody bounds how much of an upstream response is read.
	maxResponseBody = 32 << 20
)

// Config holds configuration for the clinic API client
type Config struct {
	AuthTimeout  time.Duration
	FetchTimeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		AuthTimeout:  30 * time.Second,
		FetchTimeout: 60 * time.Second,
	}
}

// Client implements Adapter over HTTP. It never retries.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new clinic API client
func New(cfg Config, logger zerolog.Logger) *Client {
	return NewWithHTTPClient(cfg, &http.Client{}, logger)
}

// NewWithHTTPClient creates a client on top of an existing http.Client.
// Timeouts come from cfg and are applied per call through the context.
func NewWithHTTPClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logger.With().Str("component", "clinic").Logger(),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type recordRequest struct {
	PageID     string `json:"page-id"`
	SectionID  string `json:"section-id"`
	KPIName    string `json:"kpi-name"`
	CountryIDs string `json:"country-ids"`
}

// Authenticate exchanges credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context, env Environment, creds Credentials) (Token, error) {
	start := time.Now()
	token, err := c.authenticate(ctx, env, creds)
	metrics.RecordClinicAuth(env.Key, Outcome(err), time.Since(start))

	if err != nil {
		c.logger.Warn().Str("environment", env.Key).Str("outcome", Outcome(err)).Msg("authentication failed")
		return "", err
	}
	c.logger.Info().Str("environment", env.Key).Dur("latency", time.Since(start)).Msg("authenticated")
	return token, nil
}

func (c *Client) authenticate(ctx context.Context, env Environment, creds Credentials) (Token, error) {
	endpoint, err := resolve(env.APIBaseURL, loginPath)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(loginRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return "", fmt.Errorf("failed to encode login request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.AuthTimeout)
	defer cancel()

	respBody, err := c.do(ctx, http.MethodPost, endpoint, body, "")
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			httpErr.Login = true
		}
		return "", err
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", &MalformedResponseError{Reason: "login response is not JSON", Err: err}
	}

	token, ok := extractToken(decoded)
	if !ok {
		return "", &MalformedResponseError{Reason: "no token found in login response"}
	}
	return token, nil
}

// FetchRecords retrieves one record category for a patient.
func (c *Client) FetchRecords(ctx context.Context, env Environment, token Token, patientID string, category Category) (Envelope, error) {
	start := time.Now()
	envelope, err := c.fetchRecords(ctx, env, token, patientID, category)
	metrics.RecordClinicFetch(string(category), Outcome(err), time.Since(start))

	if err != nil {
		c.logger.Warn().Str("environment", env.Key).Str("category", string(category)).
			Str("outcome", Outcome(err)).Msg("record fetch failed")
		return Envelope{}, err
	}
	c.logger.Debug().Str("environment", env.Key).Str("category", string(category)).
		Int("bytes", len(envelope.Raw)).Dur("latency", time.Since(start)).Msg("records fetched")
	return envelope, nil
}

func (c *Client) fetchRecords(ctx context.Context, env Environment, token Token, patientID string, category Category) (Envelope, error) {
	if !category.Valid() {
		return Envelope{}, fmt.Errorf("unknown record category %q", category)
	}

	endpoint, err := resolve(env.APIBaseURL, recordPath)
	if err != nil {
		return Envelope{}, err
	}

	body, err := json.Marshal(recordRequest{
		PageID:     "kpis",
		SectionID:  "kpis",
		KPIName:    category.Selector(),
		CountryIDs: patientID,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode record request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	respBody, err := c.do(ctx, http.MethodGet, endpoint, body, token)
	if err != nil {
		return Envelope{}, err
	}

	return decodeEnvelope(category, respBody)
}

// do performs a single request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, token Token) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{URL: redactURL(endpoint), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &ConnectionError{URL: redactURL(endpoint), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: truncate(respBody)}
	}

	return respBody, nil
}

// decodeEnvelope requires an object carrying a "data" object.
func decodeEnvelope(category Category, body []byte) (Envelope, error) {
	if !json.Valid(body) {
		return Envelope{}, &MalformedResponseError{Reason: "record response is not JSON"}
	}

	top, ok := decodeObject(body)
	if !ok {
		return Envelope{}, &UnexpectedShapeError{Reason: "record response is not a JSON object"}
	}

	rawData, present := top["data"]
	if !present {
		return Envelope{}, &UnexpectedShapeError{Reason: `record response has no "data" field`}
	}

	data, ok := decodeObject(rawData)
	if !ok {
		return Envelope{}, &UnexpectedShapeError{Reason: `record response "data" is not an object`}
	}

	return Envelope{
		Category: category,
		Raw:      json.RawMessage(body),
		Data:     data,
	}, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// resolve joins a relative reference onto the environment base URL.
func resolve(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid api base url %q", baseURL)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid api path %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

// redactURL drops user info so credentials embedded in a base URL never
// reach an error message.
func redactURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.User = nil
	return u.String()
}
