package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/monkci/monkci/protocol"
)

// HTTPClient speaks the control plane's runner protocol. AccessToken is
// empty until registration succeeds.
type HTTPClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func NewHTTPClient(baseURL, accessToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetAccessToken installs the token returned by Register for later calls.
func (c *HTTPClient) SetAccessToken(token string) {
	c.accessToken = token
}

func (c *HTTPClient) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.post(ctx, "/runners/register", req, &resp)
	return resp, err
}

func (c *HTTPClient) Heartbeat(ctx context.Context, runnerID string, hb protocol.Heartbeat) (protocol.RunnerView, error) {
	var view protocol.RunnerView
	err := c.post(ctx, "/runners/"+runnerID+"/heartbeat", hb, &view)
	return view, err
}

func (c *HTTPClient) Complete(ctx context.Context, runnerID string, report protocol.CompleteJob) (protocol.RunnerView, error) {
	var view protocol.RunnerView
	err := c.post(ctx, "/runners/"+runnerID+"/complete-job", report, &view)
	return view, err
}

func (c *HTTPClient) GetRunner(ctx context.Context, runnerID string) (protocol.RunnerView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runners/"+runnerID, nil)
	if err != nil {
		return protocol.RunnerView{}, err
	}
	var view protocol.RunnerView
	err = c.do(req, &view)
	return view, err
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("unexpected status %s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
