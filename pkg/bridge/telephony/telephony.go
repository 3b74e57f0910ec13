// Package telephony drives the provider's call-control REST API: accepting
// an incoming call, hanging up, and transferring.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/callboard/callbridge/pkg/bridge/apierror"
)

// Client calls the telephony control endpoints for a single provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// NewClientWithHTTP uses a caller-supplied HTTP client, for tests and custom
// transports.
func NewClientWithHTTP(baseURL, apiKey string, httpClient *http.Client) *Client {
	c := NewClient(baseURL, apiKey)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// AcceptParams configure the session the provider attaches to the call.
// Accept builds the wire body itself; voice nests under audio.output.
type AcceptParams struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []map[string]any
}

// Accept answers the incoming call and binds it to a realtime session.
func (c *Client) Accept(ctx context.Context, callID string, params AcceptParams) error {
	body := map[string]any{
		"type": "realtime",
	}
	if params.Model != "" {
		body["model"] = params.Model
	}
	if params.Instructions != "" {
		body["instructions"] = params.Instructions
	}
	if params.Voice != "" {
		body["audio"] = map[string]any{
			"output": map[string]any{"voice": params.Voice},
		}
	}
	if len(params.Tools) > 0 {
		body["tools"] = params.Tools
	}
	return c.post(ctx, callID, "accept", body)
}

// Hangup ends the call on the provider side.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	return c.post(ctx, callID, "hangup", nil)
}

// ReferParams identify the transfer destination plus the call-leg metadata
// the provider needs to bridge the new participant in.
type ReferParams struct {
	TargetURI      string
	CallToken      string
	ConferenceName string
}

// Refer transfers the call to the target SIP or tel URI.
func (c *Client) Refer(ctx context.Context, callID string, params ReferParams) error {
	if strings.TrimSpace(params.TargetURI) == "" {
		return apierror.NewInvalidRequest("transfer target must be non-empty", "target_uri")
	}
	body := map[string]any{"target_uri": params.TargetURI}
	if params.CallToken != "" {
		body["call_token"] = params.CallToken
	}
	if params.ConferenceName != "" {
		body["conference_name"] = params.ConferenceName
	}
	return c.post(ctx, callID, "refer", body)
}

func (c *Client) post(ctx context.Context, callID, action string, body any) error {
	if strings.TrimSpace(callID) == "" {
		return apierror.NewInvalidRequest("call id must be non-empty", "call_id")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telephony: encode %s body: %w", action, err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, callID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("telephony: build %s request: %w", action, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s: %w", action, callID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	if resp.StatusCode == http.StatusNotFound {
		return apierror.NewNotFound(fmt.Sprintf("telephony %s: %s", action, msg), callID)
	}
	return apierror.NewProvider(fmt.Sprintf("telephony %s failed: %s", action, msg), fmt.Sprintf("provider_status_%d", resp.StatusCode))
}
