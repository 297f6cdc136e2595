package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/cschleiden/go-triage/triage"
	"github.com/cschleiden/go-triage/workflow"
	"github.com/tidwall/gjson"
)

var (
	ErrEndpointNotConfigured = errors.New("endpoint not configured")
	ErrMalformedResponse     = errors.New("malformed response")
)

// Response bodies larger than this are rejected
const maxResponseSize = 1 << 20

// StatusError is returned for responses with a non-2xx status code. Server errors and rate limiting
// are temporary and will be retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Client reaches the triage collaborators over HTTP. Requests are JSON encoded, results are read
// from the response body with the configured gjson paths.
type Client struct {
	endpoints Endpoints
	options   Options
	http      *http.Client
}

var (
	_ triage.Classifier     = (*Client)(nil)
	_ triage.PriorityScorer = (*Client)(nil)
	_ triage.Notifier       = (*Client)(nil)
	_ triage.ActionExecutor = (*Client)(nil)
)

func New(endpoints Endpoints, opts ...Option) *Client {
	options := DefaultOptions
	options.Headers = make(map[string]string)
	for _, opt := range opts {
		opt(&options)
	}

	hc := options.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: options.Timeout}
	}

	return &Client{
		endpoints: endpoints,
		options:   options,
		http:      hc,
	}
}

// Collaborators returns the client as the full set of triage collaborators.
func (c *Client) Collaborators() triage.Collaborators {
	return triage.Collaborators{
		Classifier:     c,
		PriorityScorer: c,
		Notifier:       c,
		ActionExecutor: c,
	}
}

type classifyRequest struct {
	Content    string   `json:"content"`
	Candidates []string `json:"candidates"`
}

func (c *Client) Classify(ctx context.Context, content string, candidates []string) (*triage.Classification, error) {
	r, err := c.post(ctx, "classifier", c.endpoints.Classify, classifyRequest{Content: content, Candidates: candidates})
	if err != nil {
		return nil, err
	}

	// A missing category means the classifier did not pick one
	return &triage.Classification{
		Category:  r.Get(c.options.Paths.Category).String(),
		Rationale: r.Get(c.options.Paths.Rationale).String(),
	}, nil
}

func (c *Client) Score(ctx context.Context, metadata triage.Metadata) (int, error) {
	r, err := c.post(ctx, "priority scorer", c.endpoints.Score, metadata)
	if err != nil {
		return 0, err
	}

	p := r.Get(c.options.Paths.Priority)
	if p.Type != gjson.Number {
		return 0, fmt.Errorf("%w: no priority at %q", ErrMalformedResponse, c.options.Paths.Priority)
	}

	return int(p.Int()), nil
}

type notifyRequest struct {
	UserID  string   `json:"user_id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

func (c *Client) Send(ctx context.Context, userID string, n triage.Notification) (*triage.Delivery, error) {
	r, err := c.post(ctx, "notifier", c.endpoints.Notify, notifyRequest{UserID: userID, Text: n.Text, Options: n.Options})
	if err != nil {
		return nil, err
	}

	id := r.Get(c.options.Paths.ChannelMessageID)
	if !id.Exists() || id.String() == "" {
		return nil, fmt.Errorf("%w: no channel message id at %q", ErrMalformedResponse, c.options.Paths.ChannelMessageID)
	}

	return &triage.Delivery{ChannelMessageID: id.String()}, nil
}

type applyCategoryRequest struct {
	BusinessID string `json:"business_id"`
	Category   string `json:"category"`
}

func (c *Client) ApplyCategory(ctx context.Context, businessID, category string) error {
	_, err := c.post(ctx, "action executor", c.endpoints.ApplyCategory, applyCategoryRequest{BusinessID: businessID, Category: category})
	return err
}

type sendReplyRequest struct {
	BusinessID string `json:"business_id"`
	Text       string `json:"text"`
}

func (c *Client) SendReply(ctx context.Context, businessID, text string) error {
	_, err := c.post(ctx, "action executor", c.endpoints.SendReply, sendReplyRequest{BusinessID: businessID, Text: text})
	return err
}

func (c *Client) post(ctx context.Context, collaborator, endpoint string, payload any) (gjson.Result, error) {
	if endpoint == "" {
		return gjson.Result{}, fmt.Errorf("%s: %w", collaborator, ErrEndpointNotConfigured)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshaling %s request: %w", collaborator, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("creating %s request: %w", collaborator, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range c.options.Headers {
		req.Header.Set(name, value)
	}

	timer := metrics.Timer(c.options.Metrics, metrickeys.CollaboratorRequest, metrics.Tags{metrickeys.Collaborator: collaborator})
	status := "error"
	defer func() {
		timer.StopWithTags(metrics.Tags{metrickeys.Status: status})
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}

		c.options.Logger.WarnContext(ctx, "collaborator request failed",
			log.CollaboratorKey, collaborator,
			"error", err,
		)

		return gjson.Result{}, &workflow.CollaboratorTransientError{Collaborator: collaborator, Err: err}
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, &workflow.CollaboratorTransientError{
			Collaborator: collaborator,
			Err:          fmt.Errorf("reading response: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}

		c.options.Logger.WarnContext(ctx, "collaborator returned an error",
			log.CollaboratorKey, collaborator,
			log.HTTPStatusKey, resp.StatusCode,
		)

		if serr.Temporary() {
			return gjson.Result{}, &workflow.CollaboratorTransientError{Collaborator: collaborator, Err: serr}
		}

		return gjson.Result{}, fmt.Errorf("%s: %w", collaborator, serr)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return gjson.Result{}, nil
	}

	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s: %w: invalid JSON", collaborator, ErrMalformedResponse)
	}

	return gjson.ParseBytes(data), nil
}
