// Package skywatchsdk is a minimal observer-facing client for the Skywatch
// HTTP API: log in, pull the recommendation queue, and settle entries.
package skywatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Recommendation represents the API recommendation model.
type Recommendation struct {
	ID                     int64          `json:"id"`
	GroupID                int64          `json:"group_id"`
	Priority               int64          `json:"priority"`
	ObjectID               int64          `json:"object_id"`
	FacilityID             int64          `json:"facility_id"`
	UserID                 int64          `json:"user_id"`
	PredictedObservationID *int64         `json:"predicted_observation_id,omitempty"`
	ObservationID          *int64         `json:"observation_id,omitempty"`
	Accepted               bool           `json:"accepted"`
	Rejected               bool           `json:"rejected"`
	Data                   map[string]any `json:"data,omitempty"`
	CreatedAt              string         `json:"created_at"`
}

// Object represents the API object model (partial).
type Object struct {
	ID      int64             `json:"id"`
	Name    string            `json:"name"`
	Aliases map[string]string `json:"aliases,omitempty"`
	RA      float64           `json:"ra"`
	Dec     float64           `json:"dec"`
}

// Observation represents a single measurement.
type Observation struct {
	ID       int64    `json:"id"`
	TypeID   int64    `json:"type_id"`
	ObjectID int64    `json:"object_id"`
	SourceID int64    `json:"source_id"`
	Value    float64  `json:"value"`
	Error    *float64 `json:"error,omitempty"`
	Time     string   `json:"time"`
}

// Session is the result of a login.
type Session struct {
	Token   string  `json:"token"`
	Expires *string `json:"expires,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges a key and secret for a bearer token and stores it on the
// client for subsequent calls.
func (c *Client) Login(ctx context.Context, key, secret string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "login", map[string]any{
		"key":    key,
		"secret": secret,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Next returns pending recommendations, highest priority first. groupID 0
// means the latest group.
func (c *Client) Next(ctx context.Context, groupID int64, limit int) ([]Recommendation, error) {
	endpoint := "recommendations"
	var params []string
	if groupID > 0 {
		params = append(params, fmt.Sprintf("group_id=%d", groupID))
	}
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + strings.Join(params, "&")
	}
	var resp []Recommendation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the caller's settled recommendations in a group.
func (c *Client) History(ctx context.Context, groupID int64) ([]Recommendation, error) {
	endpoint := "recommendations/history"
	if groupID > 0 {
		endpoint = fmt.Sprintf("%s?group_id=%d", endpoint, groupID)
	}
	var resp []Recommendation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Accept marks a pending recommendation accepted.
func (c *Client) Accept(ctx context.Context, id int64) (Recommendation, error) {
	var resp Recommendation
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("recommendations/%d/accept", id), nil, &resp)
	return resp, err
}

// Reject marks a pending recommendation rejected.
func (c *Client) Reject(ctx context.Context, id int64) (Recommendation, error) {
	var resp Recommendation
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("recommendations/%d/reject", id), nil, &resp)
	return resp, err
}

// Observed submits a measurement and fulfills the recommendation with it.
func (c *Client) Observed(ctx context.Context, id int64, typeName string, value float64, obsTime time.Time) (Recommendation, error) {
	body := map[string]any{
		"type_name": typeName,
		"value":     value,
	}
	if !obsTime.IsZero() {
		body["time"] = obsTime.UTC().Format(time.RFC3339)
	}
	var resp Recommendation
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("recommendations/%d/observed", id), body, &resp)
	return resp, err
}

// FindObject resolves an identifier (id, designation, or provider alias).
func (c *Client) FindObject(ctx context.Context, identifier string) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodGet, "objects/"+identifier, nil, &resp)
	return resp, err
}

// ObjectObservations returns recent observations for an object.
func (c *Client) ObjectObservations(ctx context.Context, objectID int64, limit int) ([]Observation, error) {
	endpoint := fmt.Sprintf("objects/%d/observations", objectID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Observation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
