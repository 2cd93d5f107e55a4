package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
)

const requestTimeout = 10 * time.Second

// client is a thin JSON client for the broker's /api surface.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// apiError is the broker's structured error body.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Type    string `json:"type"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker returned %d", e.Status)
	}
	return fmt.Sprintf("broker returned %d (%s): %s", e.Status, e.Type, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) Status(ctx context.Context) (broker.Snapshot, error) {
	var snap broker.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &snap)
	return snap, err
}

func (c *client) ClusterStatus(ctx context.Context) ([]domain.ClusterSession, error) {
	var resp struct {
		Sessions []domain.ClusterSession `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/status/cluster", nil, &resp)
	return resp.Sessions, err
}

func (c *client) Devices(ctx context.Context) ([]domain.DeviceRecord, error) {
	var resp struct {
		Devices []domain.DeviceRecord `json:"devices"`
	}
	err := c.do(ctx, http.MethodGet, "/api/devices", nil, &resp)
	return resp.Devices, err
}

type publishRequest struct {
	Type    domain.MessageType `json:"type"`
	Channel string             `json:"channel,omitempty"`
	Target  string             `json:"target,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

func (c *client) Publish(ctx context.Context, req publishRequest) (int, error) {
	var resp struct {
		DeliveryCount int `json:"deliveryCount"`
	}
	err := c.do(ctx, http.MethodPost, "/api/publish", req, &resp)
	return resp.DeliveryCount, err
}
