package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/edvin/egress/internal/model"
)

// Client talks to the platform's internal policy endpoints: JSON over HTTP
// with a bearer token, plus a websocket stream for watch events.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
	etag       string // cached ETag for the policy list
}

// NewClient creates a store client for the given base URL.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "store-client").Logger(),
	}
}

// List fetches every current policy declaration as upsert events. Returns
// nil, nil when the server answers 304 Not Modified for the cached ETag.
func (c *Client) List(ctx context.Context) ([]model.PolicyEvent, error) {
	url := c.baseURL + "/internal/v1/policies"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("policy list API returned %d: %s", resp.StatusCode, string(body))
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		c.etag = etag
	}

	var payload struct {
		Policies []model.PolicyEvent `json:"policies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode policy list: %w", err)
	}
	for i := range payload.Policies {
		if payload.Policies[i].Type == "" {
			payload.Policies[i].Type = model.EventUpsert
		}
	}
	return payload.Policies, nil
}

// Watch opens the websocket event stream. The returned channel closes when
// the stream breaks; reconnecting is the caller's call.
func (c *Client) Watch(ctx context.Context) (<-chan model.PolicyEvent, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/internal/v1/policies/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial watch stream: %w", err)
	}

	events := make(chan model.PolicyEvent)
	go func() {
		defer close(events)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("watch stream closed")
				return
			}
			var ev model.PolicyEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Warn().Err(err).Msg("skipping undecodable watch event")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Apply replaces the namespace's enforcement object with the compiled spec.
func (c *Client) Apply(ctx context.Context, namespace string, spec *model.CompiledSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/internal/v1/namespaces/%s/egress-spec", c.baseURL, namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apply enforcement spec: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("apply API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SpecExists reports whether the namespace currently has an enforcement
// object. Used by the conformance tester; never by the reconciler, which
// tracks its own last-applied state.
func (c *Client) SpecExists(ctx context.Context, namespace string) (bool, error) {
	url := fmt.Sprintf("%s/internal/v1/namespaces/%s/egress-spec", c.baseURL, namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("get enforcement spec: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("spec API returned %d: %s", resp.StatusCode, string(respBody))
	}
}

// Delete removes the namespace's enforcement object. Absence is success.
func (c *Client) Delete(ctx context.Context, namespace string) error {
	url := fmt.Sprintf("%s/internal/v1/namespaces/%s/egress-spec", c.baseURL, namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete enforcement spec: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
