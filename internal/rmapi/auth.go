package rmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Auth API paths. Version 2 of the token service.
const (
	registerPath = "/token/json/2/device/new"
	refreshPath  = "/token/json/2/user/new"
)

// DefaultDeviceDesc is the device description sent on registration. The
// service only accepts a fixed set of values; desktop-windows is what the
// official desktop app sends.
const DefaultDeviceDesc = "desktop-windows"

// maxTokenSize bounds token response bodies. Tokens are JWTs of a few KiB.
const maxTokenSize = 64 << 10

// registrationRequest is the JSON body of a device registration.
type registrationRequest struct {
	Code       string `json:"code"`
	DeviceDesc string `json:"deviceDesc"`
	DeviceID   string `json:"deviceID"`
}

// Registration is the outcome of RegisterDevice.
type Registration struct {
	DeviceToken string
	DeviceID    string
	DeviceDesc  string
}

func newDeviceID() string {
	return uuid.NewString()
}

// RegisterDevice exchanges a one-time registration code (from
// my.remarkable.com/device/desktop/connect) for a long-lived device token.
// Registration codes are single use, so the request is never retried.
func (c *Client) RegisterDevice(ctx context.Context, code string) (*Registration, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("rmapi: registration code is required")
	}

	deviceID := c.newDeviceID()

	c.logger.Info("registering device",
		slog.String("device_id", deviceID),
		slog.String("device_desc", c.deviceDesc),
	)

	body, err := json.Marshal(registrationRequest{
		Code:       code,
		DeviceDesc: c.deviceDesc,
		DeviceID:   deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("rmapi: marshaling registration request: %w", err)
	}

	resp, err := c.do(ctx, &request{
		method:      http.MethodPost,
		url:         c.endpoints.Auth + registerPath,
		body:        bytes.NewReader(body),
		contentType: "application/json",
		auth:        authNone,
	})
	if err != nil {
		c.logger.Error("device registration failed", slog.String("error", err.Error()))
		return nil, err
	}
	defer resp.Body.Close()

	token, err := readToken(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rmapi: reading device token: %w", err)
	}

	c.logger.Info("device registered", slog.String("device_id", deviceID))

	return &Registration{
		DeviceToken: token,
		DeviceID:    deviceID,
		DeviceDesc:  c.deviceDesc,
	}, nil
}

// RefreshToken exchanges the device token for a fresh, short-lived user
// token. A 401 means the device was unregistered and must register again.
func (c *Client) RefreshToken(ctx context.Context, deviceToken string) (string, error) {
	if deviceToken == "" {
		return "", ErrNotLoggedIn
	}

	c.logger.Debug("requesting user token")

	resp, err := c.do(ctx, &request{
		method:    http.MethodPost,
		url:       c.endpoints.Auth + refreshPath,
		accept:    "application/json",
		auth:      authBearer,
		bearer:    deviceToken,
		emptyBody: true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	token, err := readToken(resp.Body)
	if err != nil {
		return "", fmt.Errorf("rmapi: reading user token: %w", err)
	}

	c.logger.Debug("user token issued")

	return token, nil
}

// readToken reads a plain-text token body.
func readToken(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTokenSize))
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("empty token in response")
	}

	return token, nil
}
