// Package platform is a typed client for the experimentation platform's
// REST API: experiments, personalizations, variations, sites and segments.
package platform

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

	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/observability"
)

const DefaultBaseURL = "https://api.kameleoon.com"

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

var ErrNotAuthenticated = errors.New("platform client is not authenticated")

// Client talks to the platform with one bearer token shared by every caller.
// It is safe for concurrent use once authenticated.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client (which has no timeout).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(elem ...string) string {
	parts := make([]string, len(elem))
	for i, e := range elem {
		parts[i] = url.PathEscape(e)
	}
	return c.baseURL + "/" + strings.Join(parts, "/")
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	tok, ok := c.tokens.Token()
	if !ok {
		return ErrNotAuthenticated
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", tok.Header())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObservePlatform(req.Method, 0)
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	observability.ObservePlatform(req.Method, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &deployerrors.HTTPError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Status:     strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "),
			Body:       string(b),
		}
	}
	if out == nil {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s %s response: %w", req.Method, req.URL, err)
	}
	return nil
}

func (c *Client) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	var out Experiment
	err := c.do(ctx, http.MethodGet, c.endpoint("experiments", id), nil, &out)
	return out, err
}

// PatchExperiment applies a partial update and returns the updated experiment.
func (c *Client) PatchExperiment(ctx context.Context, id string, fields Document) (Experiment, error) {
	var out Experiment
	err := c.do(ctx, http.MethodPatch, c.endpoint("experiments", id), fields, &out)
	return out, err
}

func (c *Client) GetPersonalization(ctx context.Context, id string) (Personalization, error) {
	var out Personalization
	err := c.do(ctx, http.MethodGet, c.endpoint("personalizations", id), nil, &out)
	return out, err
}

func (c *Client) PatchPersonalization(ctx context.Context, id string, fields Document) (Personalization, error) {
	var out Personalization
	err := c.do(ctx, http.MethodPatch, c.endpoint("personalizations", id), fields, &out)
	return out, err
}

func (c *Client) GetVariation(ctx context.Context, id string) (Variation, error) {
	var out Variation
	err := c.do(ctx, http.MethodGet, c.endpoint("variations", id), nil, &out)
	return out, err
}

// PutVariation replaces the whole variation.
func (c *Client) PutVariation(ctx context.Context, id string, v Variation) (Variation, error) {
	var out Variation
	err := c.do(ctx, http.MethodPut, c.endpoint("variations", id), v, &out)
	return out, err
}

func (c *Client) ListSites(ctx context.Context) ([]Site, error) {
	var out []Site
	err := c.do(ctx, http.MethodGet, c.endpoint("sites"), nil, &out)
	return out, err
}

func (c *Client) PatchSite(ctx context.Context, id string, fields Document) (Site, error) {
	var out Site
	err := c.do(ctx, http.MethodPatch, c.endpoint("sites", id), fields, &out)
	return out, err
}

func (c *Client) GetSegment(ctx context.Context, id string) (*Segment, error) {
	var out Segment
	if err := c.do(ctx, http.MethodGet, c.endpoint("segments", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateSegment(ctx context.Context, s *Segment) (*Segment, error) {
	var out Segment
	if err := c.do(ctx, http.MethodPost, c.endpoint("segments"), s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchSegment sends the whole segment, conditions included.
func (c *Client) PatchSegment(ctx context.Context, s *Segment) (*Segment, error) {
	var out Segment
	if err := c.do(ctx, http.MethodPatch, c.endpoint("segments", s.ID.String()), s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PatchSegmentCondition(ctx context.Context, segmentID, conditionID string, cond Condition) (Condition, error) {
	var out Condition
	err := c.do(ctx, http.MethodPatch, c.endpoint("segments", segmentID, "conditions", conditionID), cond, &out)
	return out, err
}
