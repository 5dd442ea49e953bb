package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dialbridge/internal/config"
)

// Client implements LegController against the backend's REST call API.
type Client struct {
	baseURL    string
	apiUser    string
	apiSecret  string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.TelephonyConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiUser:   cfg.APIUser,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type createLegRequest struct {
	Caller    string `json:"caller"`
	Number    string `json:"number"`
	NotifyURL string `json:"notifyUrl"`
}

type createLegResponse struct {
	ID string `json:"id"`
}

type actionRequest struct {
	Actions []legAction `json:"actions"`
}

type legAction struct {
	Action Action `json:"action"`
	Param  string `json:"param,omitempty"`
}

func (c *Client) CreateLeg(ctx context.Context, caller, destination, notifyURL string) (string, error) {
	body, err := c.post(ctx, c.baseURL+"/Calls", createLegRequest{
		Caller:    caller,
		Number:    destination,
		NotifyURL: notifyURL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLegCreation, err)
	}

	var resp createLegResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrLegCreation, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: response missing leg id", ErrLegCreation)
	}

	c.log.Info("remote leg created", "leg_id", resp.ID, "destination", destination)
	return resp.ID, nil
}

func (c *Client) PerformAction(ctx context.Context, legID string, action Action, param string) error {
	_, err := c.post(ctx, c.baseURL+"/Calls/"+legID, actionRequest{
		Actions: []legAction{{Action: action, Param: param}},
	})
	if err != nil {
		return fmt.Errorf("%w: %s on leg %s: %v", ErrAction, action, legID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.apiUser, c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
