package demandlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Demandline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// UserID, Role and GroupID are sent as trusted identity headers when no
	// bearer token is set.
	UserID     string
	Role       string
	GroupID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Demand mirrors the API demand model.
type Demand struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	CollaboratorIDs      []string   `json:"collaborator_ids"`
	GroupID              string     `json:"group_id,omitempty"`
	Title                string     `json:"title,omitempty"`
	Description          string     `json:"description"`
	Status               string     `json:"status"`
	Type                 string     `json:"type,omitempty"`
	StartDate            string     `json:"start_date,omitempty"`
	EndDate              string     `json:"end_date,omitempty"`
	CycleStartTime       *time.Time `json:"cycle_start_time,omitempty"`
	PauseTime            *time.Time `json:"pause_time,omitempty"`
	CompletionTime       *time.Time `json:"completion_time,omitempty"`
	TotalDurationSeconds int64      `json:"total_duration_seconds"`
	ElapsedSeconds       int64      `json:"elapsed_seconds"`
	Accruing             bool       `json:"accruing"`
	AutoStart            bool       `json:"auto_start"`
	StatusChangedAt      time.Time  `json:"status_changed_at"`
	CreatedAt            time.Time  `json:"created_at"`
	Revision             int64      `json:"revision"`
}

// CreateDemand is the body of CreateDemand.
type CreateDemand struct {
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description"`
	Type            string   `json:"type,omitempty"`
	StartDate       string   `json:"start_date,omitempty"`
	EndDate         string   `json:"end_date,omitempty"`
	CollaboratorIDs []string `json:"collaborator_ids,omitempty"`
	AutoStart       bool     `json:"auto_start,omitempty"`
}

// UpdateDemand carries the fields to change; nil fields are left alone.
type UpdateDemand struct {
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Type             *string   `json:"type,omitempty"`
	StartDate        *string   `json:"start_date,omitempty"`
	EndDate          *string   `json:"end_date,omitempty"`
	CollaboratorIDs  *[]string `json:"collaborator_ids,omitempty"`
	ExpectedRevision int64     `json:"expected_revision,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Details map[string]any  `json:"details"`
	Data    json.RawMessage `json:"data"`
}

// CreateDemand creates a demand owned by the caller.
func (c *Client) CreateDemand(ctx context.Context, in CreateDemand) (Demand, error) {
	var resp Demand
	err := c.do(ctx, http.MethodPost, "demands", in, &resp)
	return resp, err
}

// GetDemand fetches a demand by id.
func (c *Client) GetDemand(ctx context.Context, id string) (Demand, error) {
	var resp Demand
	err := c.do(ctx, http.MethodGet, demandPath(id), nil, &resp)
	return resp, err
}

// UpdateDemand changes descriptive fields.
func (c *Client) UpdateDemand(ctx context.Context, id string, in UpdateDemand) (Demand, error) {
	var resp Demand
	err := c.do(ctx, http.MethodPatch, demandPath(id), in, &resp)
	return resp, err
}

func (c *Client) StartDemand(ctx context.Context, id string) (Demand, error) {
	return c.transition(ctx, id, "start")
}

func (c *Client) PauseDemand(ctx context.Context, id string) (Demand, error) {
	return c.transition(ctx, id, "pause")
}

func (c *Client) ContinueDemand(ctx context.Context, id string) (Demand, error) {
	return c.transition(ctx, id, "continue")
}

func (c *Client) CloseDemand(ctx context.Context, id string) (Demand, error) {
	return c.transition(ctx, id, "close")
}

func (c *Client) transition(ctx context.Context, id, op string) (Demand, error) {
	var resp Demand
	err := c.do(ctx, http.MethodPut, demandPath(id)+"/"+op, nil, &resp)
	return resp, err
}

// SetTimer overwrites the accumulated duration with end - start.
func (c *Client) SetTimer(ctx context.Context, id, start, end string) (Demand, error) {
	body := map[string]string{"start_time": start, "end_time": end}
	var resp Demand
	err := c.do(ctx, http.MethodPut, demandPath(id)+"/timer", body, &resp)
	return resp, err
}

// MyDemands lists demands the caller owns.
func (c *Client) MyDemands(ctx context.Context) ([]Demand, error) {
	var resp []Demand
	err := c.do(ctx, http.MethodGet, "demands", nil, &resp)
	return resp, err
}

// VisibleDemands lists what the caller's role lets them see.
func (c *Client) VisibleDemands(ctx context.Context) ([]Demand, error) {
	var resp []Demand
	err := c.do(ctx, http.MethodGet, "demands/all", nil, &resp)
	return resp, err
}

// UserDemands lists demands userID owns or collaborates on.
func (c *Client) UserDemands(ctx context.Context, userID string) ([]Demand, error) {
	var resp []Demand
	err := c.do(ctx, http.MethodGet, "demands/user/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

// DemandsByStatus lists demands in status. An empty result is a 404.
func (c *Client) DemandsByStatus(ctx context.Context, status string) ([]Demand, error) {
	var resp []Demand
	err := c.do(ctx, http.MethodGet, "demands/status/"+url.PathEscape(status), nil, &resp)
	return resp, err
}

func (c *Client) DeleteDemand(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, demandPath(id), nil, nil)
}

// DeleteAllDemands returns the number of demands removed.
func (c *Client) DeleteAllDemands(ctx context.Context) (int64, error) {
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "demands", nil, &resp)
	return resp.Deleted, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
		if c.Role != "" {
			req.Header.Set("X-User-Role", c.Role)
		}
		if c.GroupID != "" {
			req.Header.Set("X-Group-Id", c.GroupID)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
			apiErr.Details = env.Details
		}
		return apiErr
	}
	if decodeErr != nil {
		return decodeErr
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func demandPath(id string) string {
	return "demands/" + url.PathEscape(id)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
