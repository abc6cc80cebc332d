// Package bi talks to the Metabase-compatible BI engine and introspects the
// Postgres database behind it.
package bi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"toolgov/internal/config"
	"toolgov/internal/httpclient"
)

const (
	sessionHeader = "X-Metabase-Session"
	sessionTTL    = 12 * time.Hour
	sampleDBName  = "Sample Database"
)

// APIError is a non-2xx answer from the engine. Body is the engine's raw text.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("BI API error %d: %s", e.Status, e.Body)
}

// Client is a session-authenticated BI engine client. A 401 clears the
// session and the request is retried exactly once with a fresh one.
type Client struct {
	baseURL     string
	username    string
	password    string
	databaseURL string
	http        *http.Client
	health      *http.Client
	logger      *slog.Logger

	mu      sync.Mutex
	session string
	expiry  time.Time
	dbID    int
}

func NewClient(cfg config.BIConfig, logger *slog.Logger) *Client {
	hc := httpclient.New(time.Duration(cfg.TimeoutSec) * time.Second)
	healthTimeout := time.Duration(cfg.HealthTimeoutSec) * time.Second
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		databaseURL: cfg.DatabaseURL,
		http:        hc,
		health:      httpclient.WithTimeout(hc, healthTimeout),
		logger:      logger,
	}
}

// URL is the engine base URL.
func (c *Client) URL() string { return c.baseURL }

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != "" && time.Now().Before(c.expiry) {
		return c.session, nil
	}

	body, _ := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticate with BI engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("authenticate with BI engine: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("authenticate with BI engine: no session id in response")
	}
	c.session = out.ID
	c.expiry = time.Now().Add(sessionTTL)
	c.logger.Debug("BI session established")
	return c.session, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.session = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// do sends one authenticated request and decodes the JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Info("BI session rejected, re-authenticating")
		c.invalidate()
		resp, err = c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read BI response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode BI response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionHeader, token)
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("BI engine timed out: %w", err)
		}
		return nil, fmt.Errorf("BI request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// HealthStatus is the answer of Health.
type HealthStatus struct {
	Online  bool   `json:"online"`
	Version string `json:"version,omitempty"`
}

// Health probes /api/health without authenticating. Any failure reads as offline.
func (c *Client) Health(ctx context.Context) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return HealthStatus{}
	}
	resp, err := c.health.Do(req)
	if err != nil {
		return HealthStatus{}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HealthStatus{}
	}
	var out struct {
		Version string `json:"version"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out.Version == "" {
		out.Version = "unknown"
	}
	return HealthStatus{Online: true, Version: out.Version}
}

type database struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Engine string `json:"engine"`
}

// DatabaseID returns the engine id of the project database: the first
// postgres database that is not the bundled sample. When none exists and a
// database URL is configured, the database is registered with the engine.
func (c *Client) DatabaseID(ctx context.Context) (int, error) {
	c.mu.Lock()
	id := c.dbID
	c.mu.Unlock()
	if id != 0 {
		return id, nil
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/database", nil, &raw); err != nil {
		return 0, err
	}
	dbs, err := decodeDatabases(raw)
	if err != nil {
		return 0, err
	}
	for _, d := range dbs {
		if d.Engine == "postgres" && d.Name != sampleDBName {
			id = d.ID
			break
		}
	}
	if id == 0 {
		if id, err = c.registerDatabase(ctx); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	c.dbID = id
	c.mu.Unlock()
	return id, nil
}

// decodeDatabases accepts both the bare list and the {"data": [...]} envelope.
func decodeDatabases(raw json.RawMessage) ([]database, error) {
	var list []database
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var env struct {
		Data []database `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode database list: %w", err)
	}
	return env.Data, nil
}

func (c *Client) registerDatabase(ctx context.Context) (int, error) {
	if c.databaseURL == "" {
		return 0, errors.New("no postgres database is registered with the BI engine and bi.databaseUrl is not set")
	}
	pc, err := pgx.ParseConfig(c.databaseURL)
	if err != nil {
		return 0, fmt.Errorf("parse bi.databaseUrl: %w", err)
	}
	req := map[string]any{
		"engine": "postgres",
		"name":   pc.Database,
		"details": map[string]any{
			"host":     pc.Host,
			"port":     pc.Port,
			"dbname":   pc.Database,
			"user":     pc.User,
			"password": pc.Password,
			"ssl":      pc.TLSConfig != nil,
		},
		"is_full_sync":     true,
		"auto_run_queries": true,
	}
	var created database
	if err := c.do(ctx, http.MethodPost, "/api/database", req, &created); err != nil {
		return 0, fmt.Errorf("register database: %w", err)
	}
	c.logger.Info("registered database with BI engine", "id", created.ID, "name", pc.Database)
	return created.ID, nil
}
