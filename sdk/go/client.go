package permitflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal permitflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// Permit represents the API permit model. Workflow columns are typed; every
// column, form fields included, is also kept in Fields.
type Permit struct {
	ID                  int64   `json:"id"`
	Status              string  `json:"status"`
	CurrentApproverRole *string `json:"current_approver_role"`
	BDSlipNo            *string `json:"bd_slip_no"`
	PermitDate          *string `json:"permit_date"`
	Plant               *string `json:"plant"`

	BayManagerApprovedBy          *string    `json:"bay_manager_approved_by"`
	BayManagerApprovedAt          *time.Time `json:"bay_manager_approved_at"`
	MaintenanceInchargeApprovedBy *string    `json:"maintenance_incharge_approved_by"`
	MaintenanceInchargeApprovedAt *time.Time `json:"maintenance_incharge_approved_at"`
	SafetyInchargeApprovedBy      *string    `json:"safety_incharge_approved_by"`
	SafetyInchargeApprovedAt      *time.Time `json:"safety_incharge_approved_at"`
	RejectedBy                    *string    `json:"rejected_by"`
	RejectedAt                    *time.Time `json:"rejected_at"`
	RejectionReason               *string    `json:"rejection_reason"`

	Fields map[string]any `json:"-"`
}

func (p *Permit) UnmarshalJSON(data []byte) error {
	type plain Permit
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	return json.Unmarshal(data, &p.Fields)
}

// Event represents one audit trail entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	PermitID    int64  `json:"permit_id"`
	Actor       string `json:"actor"`
	Role        string `json:"role"`
	PayloadJSON string `json:"payload_json"`
}

// Payload decodes the event payload.
func (e Event) Payload() (map[string]any, error) {
	out := map[string]any{}
	if e.PayloadJSON == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(e.PayloadJSON), &out)
	return out, err
}

type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type Me struct {
	Username      string   `json:"username"`
	Role          string   `json:"role"`
	Forms         []string `json:"forms"`
	Authenticated bool     `json:"authenticated"`
}

// ListFilter narrows List. Zero values are omitted.
type ListFilter struct {
	Statuses   []string
	Plant      string
	DateFrom   string
	DateTo     string
	AwaitingMe bool
	Limit      int
}

func (f ListFilter) query() url.Values {
	q := url.Values{}
	for _, s := range f.Statuses {
		q.Add("status", s)
	}
	if f.Plant != "" {
		q.Set("plant", f.Plant)
	}
	if f.DateFrom != "" {
		q.Set("date_from", f.DateFrom)
	}
	if f.DateTo != "" {
		q.Set("date_to", f.DateTo)
	}
	if f.AwaitingMe {
		q.Set("awaiting_me", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type mutation struct {
	Message string `json:"message"`
	Record  Permit `json:"record"`
}

// List returns permits newest first.
func (c *Client) List(ctx context.Context, f ListFilter) ([]Permit, error) {
	endpoint := "loto-work-permit"
	if q := f.query(); len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Permit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Get fetches one permit.
func (c *Client) Get(ctx context.Context, id int64) (Permit, error) {
	var resp Permit
	err := c.do(ctx, http.MethodGet, permitPath(id, ""), nil, &resp)
	return resp, err
}

// Create submits a permit with the given form fields.
func (c *Client) Create(ctx context.Context, fields map[string]any) (Permit, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	var resp mutation
	err := c.do(ctx, http.MethodPost, "loto-work-permit", fields, &resp)
	return resp.Record, err
}

// Update writes the given form fields; a nil value clears the column.
func (c *Client) Update(ctx context.Context, id int64, fields map[string]any) (Permit, error) {
	var resp mutation
	err := c.do(ctx, http.MethodPut, permitPath(id, ""), fields, &resp)
	return resp.Record, err
}

// Approve advances the permit one stage.
func (c *Client) Approve(ctx context.Context, id int64) (Permit, error) {
	var resp mutation
	err := c.do(ctx, http.MethodPost, permitPath(id, "approve"), nil, &resp)
	return resp.Record, err
}

// Reject finalizes the permit. An empty reason is sent as null.
func (c *Client) Reject(ctx context.Context, id int64, reason string) (Permit, error) {
	body := map[string]any{"reason": nil}
	if reason != "" {
		body["reason"] = reason
	}
	var resp mutation
	err := c.do(ctx, http.MethodPost, permitPath(id, "reject"), body, &resp)
	return resp.Record, err
}

func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "loto-work-permit/summary", nil, &resp)
	return resp, err
}

// History returns the audit trail of a permit, oldest first.
func (c *Client) History(ctx context.Context, id int64) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, permitPath(id, "events"), nil, &resp)
	return resp, err
}

// Me returns the identity the server resolved for this client's token.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func permitPath(id int64, action string) string {
	p := fmt.Sprintf("loto-work-permit/%d", id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
