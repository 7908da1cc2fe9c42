// Package ovh manages mailbox accounts on OVHcloud email domains through
// the signed OVH REST API.
package ovh

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/offermail/internal/pkg/httpretry"
)

var endpoints = map[string]string{
	"ovh-eu": "https://eu.api.ovh.com/1.0",
	"ovh-us": "https://api.us.ovhcloud.com/1.0",
	"ovh-ca": "https://ca.api.ovh.com/1.0",
}

// Config holds OVH API credentials. Endpoint is a known region name or a
// full base URL.
type Config struct {
	Endpoint    string
	AppKey      string
	AppSecret   string
	ConsumerKey string
	MaxRetries  int
}

// APIError is a non-2xx OVH response.
type APIError struct {
	Status  int
	Message string `json:"message"`
	Class   string `json:"class"`
}

func (e *APIError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("ovh api %d %s: %s", e.Status, e.Class, e.Message)
	}
	return fmt.Sprintf("ovh api %d: %s", e.Status, e.Message)
}

// Client is the OVH REST client. Requests are signed with the application
// secret and consumer key and retried on transient statuses.
type Client struct {
	cfg     Config
	baseURL string
	http    httpretry.Doer
	now     func() time.Time

	deltaOnce sync.Once
	timeDelta int64
}

// NewClient creates a client. A nil doer uses a retrying 30s http.Client.
func NewClient(cfg Config, doer httpretry.Doer) *Client {
	base, ok := endpoints[cfg.Endpoint]
	if !ok {
		base = cfg.Endpoint
	}
	if base == "" {
		base = endpoints["ovh-eu"]
	}
	if doer == nil {
		doer = httpretry.New(nil, cfg.MaxRetries)
	}
	return &Client{cfg: cfg, baseURL: base, http: doer, now: time.Now}
}

// IsConfigured reports whether all credentials are set.
func (c *Client) IsConfigured() bool {
	return c.cfg.AppKey != "" && c.cfg.AppSecret != "" && c.cfg.ConsumerKey != ""
}

// serverDelta returns the offset between OVH's clock and ours, fetched once.
func (c *Client) serverDelta(ctx context.Context) int64 {
	c.deltaOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/time", nil)
		if err != nil {
			return
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var serverTime int64
		if json.NewDecoder(resp.Body).Decode(&serverTime) == nil && serverTime > 0 {
			c.timeDelta = serverTime - c.now().Unix()
		}
	})
	return c.timeDelta
}

func (c *Client) sign(method, url, body string, timestamp int64) string {
	toSign := fmt.Sprintf("%s+%s+%s+%s+%s+%d",
		c.cfg.AppSecret, c.cfg.ConsumerKey, method, url, body, timestamp)
	return fmt.Sprintf("$1$%x", sha1.Sum([]byte(toSign)))
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, result any) error {
	url := c.baseURL + path

	var body []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	timestamp := c.now().Unix() + c.serverDelta(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ovh-Application", c.cfg.AppKey)
	req.Header.Set("X-Ovh-Consumer", c.cfg.ConsumerKey)
	req.Header.Set("X-Ovh-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Ovh-Signature", c.sign(method, url, string(body), timestamp))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ovh %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
