package runner

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
)

const (
	authTimeout  = 15 * time.Second
	authBodySize = 1 << 20
)

// Device-code sign-in statuses reported by the relay.
const (
	SignInPending    = "pending"
	SignInAuthorized = "authorized"
	SignInDenied     = "denied"
	SignInExpired    = "expired"
)

// DeviceCode is the start of a device-code sign-in.
type DeviceCode struct {
	DeviceCode              string  `json:"deviceCode"`
	UserCode                string  `json:"userCode"`
	VerificationURI         string  `json:"verificationUri"`
	VerificationURIComplete *string `json:"verificationUriComplete"`
	IntervalSeconds         int     `json:"intervalSeconds"`
	ExpiresInSeconds        int     `json:"expiresInSeconds"`
}

// SignInPoll is the state of a pending device-code sign-in.
type SignInPoll struct {
	Status          string  `json:"status"`
	Token           *string `json:"token"`
	Message         *string `json:"message"`
	IntervalSeconds *int    `json:"intervalSeconds"`
}

// AuthClient talks to the relay's device-code auth endpoints.
type AuthClient struct {
	base string
	http *http.Client
}

// NewAuthClient returns a client for the auth service at base. A nil hc
// uses a client with a short timeout.
func NewAuthClient(base string, hc *http.Client) *AuthClient {
	if hc == nil {
		hc = &http.Client{Timeout: authTimeout}
	}
	return &AuthClient{base: strings.TrimRight(base, "/"), http: hc}
}

// StartSignIn requests a device code for a runner called name.
func (c *AuthClient) StartSignIn(ctx context.Context, name string) (*DeviceCode, error) {
	var out DeviceCode
	if err := c.post(ctx, "/auth/device/code", "", map[string]string{"runnerName": name}, &out); err != nil {
		return nil, err
	}
	if out.DeviceCode == "" {
		return nil, errors.New("orbit sign-in: response has no device code")
	}
	return &out, nil
}

// PollSignIn checks whether deviceCode has been approved.
func (c *AuthClient) PollSignIn(ctx context.Context, deviceCode string) (*SignInPoll, error) {
	var out SignInPoll
	if err := c.post(ctx, "/auth/device/token", "", map[string]string{"deviceCode": deviceCode}, &out); err != nil {
		return nil, err
	}
	if out.Status == "" {
		out.Status = SignInPending
	}
	if out.Status == SignInAuthorized && (out.Token == nil || *out.Token == "") {
		return nil, errors.New("orbit sign-in: authorized without a token")
	}
	return &out, nil
}

// SignOut revokes token on the relay.
func (c *AuthClient) SignOut(ctx context.Context, token string) error {
	return c.post(ctx, "/auth/logout", token, struct{}{}, nil)
}

func (c *AuthClient) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("orbit auth: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("orbit auth: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, authBodySize))
	if err != nil {
		return fmt.Errorf("orbit auth: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if gjson.ValidBytes(data) {
			for _, key := range []string{"error_description", "message", "error"} {
				if v := gjson.GetBytes(data, key); v.Type == gjson.String && v.String() != "" {
					msg = v.String()
					break
				}
			}
		}
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("orbit auth: %s", msg)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("orbit auth: decode response: %w", err)
	}
	return nil
}
