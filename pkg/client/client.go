// Package client is the Go SDK for arrivald.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// 0.5 arrivals per second for a minute
//	info, err := c.Put(ctx, "checkout", 0.5, 60)
//
//	// Block until each arrival is due
//	for {
//	    a, err := c.Wait(ctx, "checkout")
//	    if err != nil || a.Done() {
//	        break
//	    }
//	    fire(a)
//	}
//
// # Outcomes
//
// Wait reports the server's outcome in Arrival.Status instead of an error:
// "ok" (HTTP 200), "missed" (418, the arrival was already late) and "done"
// (410, the schedule has nothing left).
//
// # Error handling
//
// All methods return an *APIError when the server responds with an
// unexpected status code. Use IsNotFound / IsConflict or errors.As to inspect
// it.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines. Wait is a long poll: bound it
// with ctx rather than the client timeout.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with an unexpected status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("arrivals: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (already exists) from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsRejected reports whether the server refused an unget (422).
func IsRejected(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnprocessableEntity
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 0 (none) so that
// Wait can block for as long as the next arrival needs.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the arrivald API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://arrivals.internal", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Info is a schedule snapshot.
type Info struct {
	Name          string     `json:"name"`
	ID            string     `json:"id"`
	Rate          float64    `json:"rate"`
	Duration      float64    `json:"duration"`
	ArrivalCount  int        `json:"arrival_count"`
	RemainCount   int        `json:"arrival_remain_count"`
	StartTime     *time.Time `json:"start_time"`
	Running       bool       `json:"running"`
	UnderrunCount int        `json:"underrun_count"`
	UngetCount    int        `json:"unget_count"`
	Renewals      int        `json:"renewals"`
	Status        string     `json:"status"` // ready | running | done
}

// Arrival is one result of Wait.
type Arrival struct {
	Status string        // ok | missed | done
	Offset float64       // seconds from the schedule's start; zero when done
	Delay  time.Duration // how long the server waited; negative when missed
}

// Done reports whether the schedule had nothing left to deliver.
func (a Arrival) Done() bool { return a.Status == "done" }

// Missed reports whether the arrival was already late when taken.
func (a Arrival) Missed() bool { return a.Status == "missed" }

// ArchiveRecord is a snapshot of a schedule that was deleted or replaced.
type ArchiveRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	NodeID     string    `json:"node_id"`
	Reason     string    `json:"reason"`
	ArchivedAt time.Time `json:"archived_at"`
	Info       Info      `json:"info"`
}

// HealthInfo is the response from GET /health.
type HealthInfo struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Schedules int    `json:"schedules"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
}

// ─── Put options ──────────────────────────────────────────────────────────────

// PutOption configures a single Put call.
type PutOption func(*putPayload)

// WithRenew makes the schedule redraw its arrivals for the next period once
// they run out.
func WithRenew(renew bool) PutOption {
	return func(p *putPayload) { p.Renew = &renew }
}

// ─── Schedules ────────────────────────────────────────────────────────────────

// Put creates or replaces the schedule name.
func (c *Client) Put(ctx context.Context, name string, rate, duration float64, opts ...PutOption) (*Info, error) {
	return c.put(ctx, name, rate, duration, false, opts)
}

// Create is Put that fails with a 409 APIError if name already exists.
func (c *Client) Create(ctx context.Context, name string, rate, duration float64, opts ...PutOption) (*Info, error) {
	return c.put(ctx, name, rate, duration, true, opts)
}

func (c *Client) put(ctx context.Context, name string, rate, duration float64, exclusive bool, opts []PutOption) (*Info, error) {
	p := putPayload{ArrivalRate: rate, Duration: duration}
	for _, o := range opts {
		o(&p)
	}
	var hdr http.Header
	if exclusive {
		hdr = http.Header{"If-None-Match": []string{"*"}}
	}
	var info Info
	if _, err := c.doHeaders(ctx, http.MethodPut, schedulePath(name, ""), hdr, p, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete removes the schedule and returns its final snapshot, or nil when it
// did not exist.
func (c *Client) Delete(ctx context.Context, name string) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodDelete, schedulePath(name, ""), nil, &info); err != nil {
		return nil, err
	}
	// A missing schedule answers {"schedule": null}, which carries no name.
	if info.Name == "" {
		return nil, nil
	}
	return &info, nil
}

// Info returns the schedule's current snapshot.
func (c *Client) Info(ctx context.Context, name string) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, schedulePath(name, "info"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// List returns every schedule, sorted by name.
func (c *Client) List(ctx context.Context) ([]Info, error) {
	var out []Info
	if err := c.do(ctx, http.MethodGet, "/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start (re)starts the schedule now plus delay.
func (c *Client) Start(ctx context.Context, name string, delay time.Duration) (*Info, error) {
	path := schedulePath(name, "start")
	if delay > 0 {
		path += "?delay=" + strconv.FormatFloat(delay.Seconds(), 'f', -1, 64)
	}
	var info Info
	if err := c.do(ctx, http.MethodPost, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stop pauses the schedule. Remaining arrivals are kept.
func (c *Client) Stop(ctx context.Context, name string) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodPost, schedulePath(name, "stop"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ─── Arrivals ─────────────────────────────────────────────────────────────────

// Wait blocks until the schedule's next arrival is due. Missed and done
// outcomes are reported in the Arrival, not as errors. Cancelling ctx makes
// the server put the arrival back.
func (c *Client) Wait(ctx context.Context, name string) (Arrival, error) {
	var w waitPayload
	code, err := c.doHeaders(ctx, http.MethodGet, schedulePath(name, "wait"), nil, nil, &w,
		http.StatusTeapot, http.StatusGone)
	if err != nil {
		return Arrival{}, err
	}
	a := Arrival{Status: w.Status}
	if a.Status == "" {
		a.Status = statusForCode(code)
	}
	if w.Arrival != nil {
		a.Offset = *w.Arrival
	}
	if w.Delay != nil {
		a.Delay = time.Duration(*w.Delay * float64(time.Second))
	}
	return a, nil
}

// Unget returns an arrival the caller could not use. The server rejects
// offsets outside the schedule's duration and ungets into a full schedule
// (IsRejected).
func (c *Client) Unget(ctx context.Context, name string, offset float64) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodPost, schedulePath(name, "unget"), ungetPayload{Arrival: offset}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers a webhook that receives every arrival of the schedule
// as a signed POST. It returns the subscription ID.
func (c *Client) Subscribe(ctx context.Context, name, webhookURL, secret string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"url": webhookURL, "secret": secret}
	if err := c.do(ctx, http.MethodPost, schedulePath(name, "subscriptions"), body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Unsubscribe removes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Observability ────────────────────────────────────────────────────────────

// Archive returns up to limit archived snapshots, newest first. limit <= 0
// uses the server default.
func (c *Client) Archive(ctx context.Context, limit int) ([]ArchiveRecord, error) {
	path := "/archive"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []ArchiveRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Archived returns one archived snapshot by record ID. An unknown ID, or a
// server with archiving disabled, yields an error for which IsNotFound holds.
func (c *Client) Archived(ctx context.Context, id string) (*ArchiveRecord, error) {
	var out ArchiveRecord
	if err := c.do(ctx, http.MethodGet, "/archive/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	_, err := c.doHeaders(ctx, method, path, nil, body, resp)
	return err
}

// doHeaders performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// Any 2xx status, plus the extra accepted codes, is success. A 204 No Content
// response is treated as success with no body.
func (c *Client) doHeaders(ctx context.Context, method, path string, hdr http.Header, body, resp any, accept ...int) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("arrivals: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("arrivals: build request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("arrivals: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	code := httpResp.StatusCode
	if code == http.StatusNoContent {
		return code, nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return code, fmt.Errorf("arrivals: read response body: %w", err)
	}

	if !accepted(code, accept) {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(code)
		}
		return code, &APIError{StatusCode: code, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return code, fmt.Errorf("arrivals: decode response: %w", err)
		}
	}
	return code, nil
}

func accepted(code int, extra []int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	for _, c := range extra {
		if c == code {
			return true
		}
	}
	return false
}

func statusForCode(code int) string {
	switch code {
	case http.StatusTeapot:
		return "missed"
	case http.StatusGone:
		return "done"
	default:
		return "ok"
	}
}

func schedulePath(name, op string) string {
	p := "/" + url.PathEscape(name)
	if op != "" {
		p += "/" + op
	}
	return p
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type putPayload struct {
	ArrivalRate float64 `json:"arrival_rate"`
	Duration    float64 `json:"duration"`
	Renew       *bool   `json:"renew,omitempty"`
}

type ungetPayload struct {
	Arrival float64 `json:"arrival"`
}

type waitPayload struct {
	Status  string   `json:"status"`
	Arrival *float64 `json:"arrival"`
	Delay   *float64 `json:"delay"`
}
