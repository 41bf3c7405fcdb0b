// Package client talks to a festdb server over its HTTP API.
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
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrNoStream     = errors.New("change streams need a server connection")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("store unavailable")
)

// Client is an HTTP client for the festdb server.
type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client

	local bool
}

// New creates a new client.
func New(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Response types (mirrors internal/api, independently defined) ---

// Record is one stored row keyed by field name.
type Record map[string]any

// ID returns the record's id field.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// ReadResult is a list read.
type ReadResult struct {
	Records  []Record `json:"records"`
	Degraded bool     `json:"degraded"`
	Source   string   `json:"source"`
}

// RecordResult is a single-record read.
type RecordResult struct {
	Record   Record `json:"record"`
	Degraded bool   `json:"degraded"`
	Source   string `json:"source"`
}

// WriteResult is the response to an insert or update.
type WriteResult struct {
	Record           Record `json:"record"`
	ReplicationError string `json:"replication_error,omitempty"`
}

// RemoveResult is the response to a delete.
type RemoveResult struct {
	Noop             bool   `json:"noop"`
	ReplicationError string `json:"replication_error,omitempty"`
}

// Health mirrors GET /v1/health.
type Health struct {
	PrimaryReachable        bool   `json:"primaryReachable"`
	BackupReachable         bool   `json:"backupReachable"`
	PendingReplicationCount int    `json:"pendingReplicationCount"`
	FailedFinalCount        int    `json:"failedFinalCount"`
	OldestPendingAgeSeconds int64  `json:"oldestPendingAgeSeconds"`
	PrimaryRevision         int64  `json:"primaryRevision"`
	BackupRevision          int64  `json:"backupRevision"`
	InFlightCount           int    `json:"inFlightCount"`
	FailedRetryCount        int    `json:"failedRetryCount"`
	PrimaryError            string `json:"primaryError,omitempty"`
	BackupError             string `json:"backupError,omitempty"`
}

// Task is a replication task.
type Task struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	Table       string     `json:"table"`
	Op          string     `json:"op"`
	RecordID    string     `json:"record_id"`
	Payload     Record     `json:"payload,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	AvailableAt time.Time  `json:"available_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Transition is one entry of a task's history.
type Transition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// TaskDetail is a task plus its history.
type TaskDetail struct {
	Task
	History []Transition `json:"history"`
}

// Field describes one schema field.
type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
	Default  any      `json:"default,omitempty"`
	System   bool     `json:"system,omitempty"`
}

// TableSchema describes one table.
type TableSchema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Change is a committed write delivered over a change stream.
type Change struct {
	Table  string    `json:"table"`
	Op     string    `json:"op"`
	ID     string    `json:"id"`
	Record Record    `json:"record,omitempty"`
	At     time.Time `json:"at"`
}

// Metrics mirrors GET /metricz.
type Metrics struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	RateLimited   int64   `json:"rate_limited"`
	DegradedReads int64   `json:"degraded_reads"`
	Writes        int64   `json:"writes"`
	EnqueueErrors int64   `json:"enqueue_errors"`
	OpenStreams   int64   `json:"open_streams"`
	Subscribers   int     `json:"subscribers"`
	Dropped       int64   `json:"dropped_changes"`
	Replication   *ReplayStats `json:"replication,omitempty"`
}

// ReplayStats are the coordinator's cumulative counters.
type ReplayStats struct {
	Replayed  int64 `json:"replayed"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
}

// Query selects records in a list read.
type Query struct {
	// Where holds field:op:value predicates.
	Where []string
	// Order holds field or field:desc terms.
	Order []string
	Limit int
}

func (q Query) values() url.Values {
	v := url.Values{}
	for _, w := range q.Where {
		v.Add("where", w)
	}
	for _, o := range q.Order {
		v.Add("order", o)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func recordsPath(table string) string {
	return "/v1/tables/" + url.PathEscape(table) + "/records"
}

// Healthz hits the liveness endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, "GET", "/healthz", nil, nil)
}

// Health returns store reachability and the replication backlog. A 503
// from the server still decodes into the returned Health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, "GET", "/v1/health", nil, &h)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return nil, err
	}
	return &h, err
}

// Metrics returns the server counters.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.do(ctx, "GET", "/metricz", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Schema lists every table.
func (c *Client) Schema(ctx context.Context) ([]TableSchema, error) {
	var resp struct {
		Tables []TableSchema `json:"tables"`
	}
	if err := c.do(ctx, "GET", "/v1/schema", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// TableSchema describes one table; aliases resolve to the real name.
func (c *Client) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	var ts TableSchema
	if err := c.do(ctx, "GET", "/v1/schema/"+url.PathEscape(table), nil, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// SchemaMarkdown returns one table's schema rendered as markdown, or every
// table's when table is empty.
func (c *Client) SchemaMarkdown(ctx context.Context, table string) (string, error) {
	path := "/v1/schema"
	if table != "" {
		path += "/" + url.PathEscape(table)
	}
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/markdown")
	body, _, err := c.send(req)
	return string(body), err
}

// --- Record methods ---

// List reads records of table.
func (c *Client) List(ctx context.Context, table string, q Query) (*ReadResult, error) {
	path := recordsPath(table)
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var res ReadResult
	if err := c.do(ctx, "GET", path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Get reads one record.
func (c *Client) Get(ctx context.Context, table, id string) (*RecordResult, error) {
	var res RecordResult
	if err := c.do(ctx, "GET", recordsPath(table)+"/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Insert creates a record.
func (c *Client) Insert(ctx context.Context, table string, fields Record) (*WriteResult, error) {
	var res WriteResult
	if err := c.do(ctx, "POST", recordsPath(table), fields, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Update patches a record.
func (c *Client) Update(ctx context.Context, table, id string, fields Record) (*WriteResult, error) {
	var res WriteResult
	if err := c.do(ctx, "PATCH", recordsPath(table)+"/"+url.PathEscape(id), fields, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, table, id string) (*RemoveResult, error) {
	var res RemoveResult
	if err := c.do(ctx, "DELETE", recordsPath(table)+"/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- Replication methods (admin) ---

// Resync queues a fresh snapshot of one record for the backup.
func (c *Client) Resync(ctx context.Context, table, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, "POST", recordsPath(table)+"/"+url.PathEscape(id)+"/resync", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Backfill queues every primary record of table and returns the count.
func (c *Client) Backfill(ctx context.Context, table string) (int, error) {
	var resp struct {
		Queued int `json:"queued"`
	}
	if err := c.do(ctx, "POST", "/v1/tables/"+url.PathEscape(table)+"/backfill", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Queued, nil
}

// Tasks lists replication tasks. Empty arguments do not filter.
func (c *Client) Tasks(ctx context.Context, status, table string, limit int) ([]Task, error) {
	v := url.Values{}
	if status != "" {
		v.Set("status", status)
	}
	if table != "" {
		v.Set("table", table)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/replication/tasks"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Task returns one task with its history.
func (c *Client) Task(ctx context.Context, id string) (*TaskDetail, error) {
	var d TaskDetail
	if err := c.do(ctx, "GET", "/v1/replication/tasks/"+url.PathEscape(id), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Requeue repairs a parked task and returns the fresh task.
func (c *Client) Requeue(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, "POST", "/v1/replication/tasks/"+url.PathEscape(id)+"/requeue", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Purge removes succeeded tasks older than olderThan ("7d", "12h"). An
// empty olderThan uses the server default.
func (c *Client) Purge(ctx context.Context, olderThan string) (int, error) {
	path := "/v1/replication/purge"
	if olderThan != "" {
		path += "?older_than=" + url.QueryEscape(olderThan)
	}
	var resp struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, "POST", path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// --- Change streams ---

// Stream is an open change stream.
type Stream struct {
	conn *websocket.Conn
}

// Changes opens a change stream for table, or for every table when table
// is empty.
func (c *Client) Changes(ctx context.Context, table string) (*Stream, error) {
	if c.local {
		return nil, ErrNoStream
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if table == "" {
		u.Path += "/v1/changes"
	} else {
		u.Path += "/v1/tables/" + table + "/changes"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, decodeError(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("dial change stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next change.
func (s *Stream) Next() (Change, error) {
	var c Change
	err := s.conn.ReadJSON(&c)
	return c, err
}

// Close ends the stream.
func (s *Stream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// --- HTTP helpers ---

// APIError is the standard error body from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func decodeError(status int, body []byte) error {
	var envelope struct {
		Error APIError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil || envelope.Error.Code == "" {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	apiErr := envelope.Error
	apiErr.Status = status
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, &apiErr)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", ErrUnavailable, &apiErr)
	}
	return &apiErr
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) ([]byte, int, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, decodeError(resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	respBody, status, err := c.send(req)
	if err != nil {
		// A 503 health body is still a health report.
		if status == http.StatusServiceUnavailable && result != nil && path == "/v1/health" {
			_ = json.Unmarshal(respBody, result)
		}
		return err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
