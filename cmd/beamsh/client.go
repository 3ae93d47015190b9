package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiError is the error envelope the daemon returns on failures.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client is a thin HTTP client for the beamlined REST API. It holds the
// bearer tokens from login and refreshes transparently on 401.
type client struct {
	baseURL      string
	http         *http.Client
	accessToken  string
	refreshToken string
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login authenticates and stores the token pair for later requests.
func (c *client) Login(username, password string) (string, error) {
	body := map[string]string{"username": username, "password": password}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Role         string `json:"role"`
	}
	if err := c.do(http.MethodPost, "/auth/login", body, &resp); err != nil {
		return "", err
	}
	c.accessToken = resp.AccessToken
	c.refreshToken = resp.RefreshToken
	return resp.Role, nil
}

// Logout revokes the refresh token family and clears local state.
func (c *client) Logout() error {
	err := c.do(http.MethodPost, "/auth/logout", nil, nil)
	c.accessToken = ""
	c.refreshToken = ""
	return err
}

// LoggedIn reports whether a login has succeeded this session.
func (c *client) LoggedIn() bool {
	return c.accessToken != ""
}

// refresh rotates the refresh token. Returns false when no refresh
// token is held or rotation fails, meaning a fresh login is needed.
func (c *client) refresh() bool {
	if c.refreshToken == "" {
		return false
	}
	body := map[string]string{"refresh_token": c.refreshToken}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.do(http.MethodPost, "/auth/refresh", body, &resp); err != nil {
		c.accessToken = ""
		c.refreshToken = ""
		return false
	}
	c.accessToken = resp.AccessToken
	c.refreshToken = resp.RefreshToken
	return true
}

// Get performs an authenticated GET and decodes the response into out.
func (c *client) Get(path string, out any) error {
	return c.authed(http.MethodGet, path, nil, out)
}

// Post performs an authenticated POST with a JSON body.
func (c *client) Post(path string, body, out any) error {
	return c.authed(http.MethodPost, path, body, out)
}

// Put performs an authenticated PUT with a JSON body.
func (c *client) Put(path string, body, out any) error {
	return c.authed(http.MethodPut, path, body, out)
}

// Delete performs an authenticated DELETE.
func (c *client) Delete(path string) error {
	return c.authed(http.MethodDelete, path, nil, nil)
}

// authed runs a request with the bearer token, retrying once through a
// token refresh when the access token has expired.
func (c *client) authed(method, path string, body, out any) error {
	err := c.do(method, path, body, out)
	if err != nil && strings.Contains(err.Error(), "401") && c.refresh() {
		err = c.do(method, path, body, out)
	}
	return err
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%d %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// jsonIndent renders a decoded API payload for terminal display.
func jsonIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
