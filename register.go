package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"Relay/pkg/types"
)

// ErrNotRegistered is returned when the registration service refuses the device.
var ErrNotRegistered = errors.New("device is not registered or not active")

// Registrar posts the device profile to the registration service before
// the channel starts.
type Registrar struct {
	URL    string
	client *http.Client
}

// NewRegistrar creates a registrar with the given request timeout.
func NewRegistrar(url string, timeout time.Duration) *Registrar {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registrar{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Register sends profile and checks the answer. A non-200 status, or a JSON
// body with "active": false or "status": "error", is a refusal.
func (r *Registrar) Register(ctx context.Context, deviceID string, profile types.DeviceProfile) error {
	body, err := json.Marshal(struct {
		types.DeviceProfile
		ID string `json:"id"`
	}{profile, deviceID})
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read registration response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrNotRegistered, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if gjson.ValidBytes(data) {
		res := gjson.ParseBytes(data)
		if active := res.Get("active"); active.Exists() && !active.Bool() {
			return fmt.Errorf("%w: %s", ErrNotRegistered, res.Get("message").String())
		}
		if strings.EqualFold(res.Get("status").String(), "error") {
			return fmt.Errorf("%w: %s", ErrNotRegistered, res.Get("message").String())
		}
	}
	LogInfo("register").Str("device", deviceID).Msg("Device registration confirmed")
	return nil
}
