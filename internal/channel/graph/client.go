// Package graph is a small JSON client for the Meta Graph API, shared by the
// WhatsApp Cloud and Messenger/Instagram backends.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
	DefaultTimeout    = 15 * time.Second

	// codeInvalidToken is the OAuthException code for expired or revoked
	// access tokens.
	codeInvalidToken = 190
)

// Error is a decoded Graph error envelope.
type Error struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph: http %d", e.Status)
	}
	return fmt.Sprintf("graph: %s (code=%d http=%d)", e.Message, e.Code, e.Status)
}

// Auth reports errors that will not go away without new credentials.
func (e *Error) Auth() bool {
	return e.Status == http.StatusUnauthorized || e.Code == codeInvalidToken
}

// IsAuth reports whether err carries a Graph authentication failure.
func IsAuth(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Auth()
}

type Options struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues requests authorized with one access token.
type Client struct {
	base    string
	version string
	token   string
	http    *http.Client
}

func New(opts Options, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(opts.APIVersion), "/")
	if version == "" {
		version = DefaultAPIVersion
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, version: version, token: token, http: hc}
}

func (c *Client) endpoint(path string) string {
	return c.base + "/" + c.version + "/" + strings.TrimLeft(path, "/")
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.endpoint(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Post sends body as JSON and decodes the response into out (when non-nil).
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var env struct {
			Error *Error `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode
			return env.Error
		}
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graph: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
