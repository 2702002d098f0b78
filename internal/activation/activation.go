package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrPending means the server accepted the request but the device is
// not confirmed yet. Callers retry after their activation interval.
var ErrPending = errors.New("activation: pending")

// Identity is what a successful activation yields.
type Identity struct {
	DeviceID    string `json:"device_id"`
	ClientID    string `json:"client_id"`
	AccessToken string `json:"access_token,omitempty"`
}

// Activator confirms the device with the provisioning service.
type Activator interface {
	Activate(ctx context.Context) (Identity, error)
}

// Static is an always-activated Activator for deployments without a
// provisioning service.
type Static struct {
	Identity Identity
}

func (s Static) Activate(context.Context) (Identity, error) {
	return s.Identity, nil
}

// HTTP posts the device fingerprint to the provisioning endpoint. A
// 202 response maps to ErrPending.
type HTTP struct {
	URL      string
	DeviceID string
	ClientID string
	Client   *http.Client
}

func NewHTTP(url, deviceID, clientID string) *HTTP {
	return &HTTP{
		URL:      url,
		DeviceID: deviceID,
		ClientID: clientID,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type activateRequest struct {
	DeviceID  string `json:"device_id"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

func (h *HTTP) Activate(ctx context.Context) (Identity, error) {
	body, err := json.Marshal(activateRequest{
		DeviceID:  h.DeviceID,
		ClientID:  h.ClientID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return Identity{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", h.DeviceID)
	req.Header.Set("Client-Id", h.ClientID)

	resp, err := h.Client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("activation request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var ident Identity
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ident); err != nil {
			return Identity{}, fmt.Errorf("activation response: %w", err)
		}
		if ident.DeviceID == "" {
			ident.DeviceID = h.DeviceID
		}
		if ident.ClientID == "" {
			ident.ClientID = h.ClientID
		}
		return ident, nil
	case http.StatusAccepted:
		return Identity{}, ErrPending
	default:
		return Identity{}, fmt.Errorf("activation: server returned %s", resp.Status)
	}
}
