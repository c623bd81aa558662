// Package conduit is a minimal client for the Phabricator Conduit API:
// enough to keep an authenticated session alive across passes, resolve
// users, and upload raw diffs.
package conduit

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ClientName and ClientVersion identify arcyd to the server.
const (
	ClientName    = "arcyd"
	ClientVersion = 6
)

// Error is an error reported by the Conduit server.
type Error struct {
	Method string
	Code   string
	Info   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("conduit %s: %s: %s", e.Method, e.Code, e.Info)
}

// Options configures a Client.
type Options struct {
	InstanceURI string
	User        string
	Cert        string
	// HTTPSProxy, when set, is used for every request of this client.
	HTTPSProxy string
	HTTPClient *http.Client
	Now        func() time.Time
}

type session struct {
	SessionKey   string `json:"sessionKey"`
	ConnectionID int64  `json:"connectionID"`
}

// Client talks to one Conduit instance as one user. It is safe for
// concurrent use.
type Client struct {
	uri  string
	user string
	cert string
	http *http.Client
	now  func() time.Time

	mu      sync.Mutex
	session *session
	users   map[string]string
}

// New returns a Client. The session is established lazily.
func New(opts Options) (*Client, error) {
	if opts.InstanceURI == "" {
		return nil, fmt.Errorf("conduit instance uri is empty")
	}
	uri := opts.InstanceURI
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.HTTPSProxy != "" {
		proxyURL, err := url.Parse(opts.HTTPSProxy)
		if err != nil {
			return nil, fmt.Errorf("parse https proxy: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient = &http.Client{Timeout: httpClient.Timeout, Transport: transport}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		uri:   uri,
		user:  opts.User,
		cert:  opts.Cert,
		http:  httpClient,
		now:   now,
		users: make(map[string]string),
	}, nil
}

// Describe identifies the client in logs and cache refresh reports.
func (c *Client) Describe() string {
	return fmt.Sprintf("conduit(%s@%s)", c.user, c.uri)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	var host string
	return c.call(ctx, "conduit.ping", map[string]any{}, &host, false)
}

// Refresh implements the per-pass cache refresh.
func (c *Client) Refresh(ctx context.Context) error {
	return c.RefreshCacheOnCycle(ctx)
}

// RefreshCacheOnCycle drops cached user lookups and makes sure the session
// is still valid, reconnecting once if the server rejects it.
func (c *Client) RefreshCacheOnCycle(ctx context.Context) error {
	c.mu.Lock()
	c.users = make(map[string]string)
	hasSession := c.session != nil
	c.mu.Unlock()

	if !hasSession {
		return c.connect(ctx)
	}

	var who map[string]any
	err := c.call(ctx, "user.whoami", map[string]any{}, &who, true)
	if err == nil {
		return nil
	}
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return c.connect(ctx)
}

// LookupUser returns the PHID of username, cached until the next refresh.
func (c *Client) LookupUser(ctx context.Context, username string) (string, error) {
	c.mu.Lock()
	phid, ok := c.users[username]
	c.mu.Unlock()
	if ok {
		return phid, nil
	}

	var found []struct {
		PHID     string `json:"phid"`
		UserName string `json:"userName"`
	}
	if err := c.call(ctx, "user.query", map[string]any{"usernames": []string{username}}, &found, true); err != nil {
		return "", err
	}
	for _, u := range found {
		if u.UserName == username {
			c.mu.Lock()
			c.users[username] = u.PHID
			c.mu.Unlock()
			return u.PHID, nil
		}
	}
	return "", fmt.Errorf("conduit user %q not found", username)
}

// CreateRawDiff uploads diff and returns the server's diff id.
func (c *Client) CreateRawDiff(ctx context.Context, diff string) (string, error) {
	var result struct {
		ID  json.Number `json:"id"`
		URI string      `json:"uri"`
	}
	if err := c.call(ctx, "differential.createrawdiff", map[string]any{"diff": diff}, &result, true); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("conduit differential.createrawdiff: empty diff id")
	}
	return result.ID.String(), nil
}

func (c *Client) connect(ctx context.Context) error {
	token := strconv.FormatInt(c.now().Unix(), 10)
	sum := sha1.Sum([]byte(token + c.cert))
	params := map[string]any{
		"client":        ClientName,
		"clientVersion": ClientVersion,
		"user":          c.user,
		"host":          c.uri,
		"authToken":     token,
		"authSignature": hex.EncodeToString(sum[:]),
	}

	var s session
	if err := c.call(ctx, "conduit.connect", params, &s, false); err != nil {
		return err
	}
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	return nil
}

type response struct {
	Result    json.RawMessage `json:"result"`
	ErrorCode *string         `json:"error_code"`
	ErrorInfo *string         `json:"error_info"`
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any, authed bool) error {
	if authed {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s == nil {
			if err := c.connect(ctx); err != nil {
				return err
			}
			c.mu.Lock()
			s = c.session
			c.mu.Unlock()
		}
		params["__conduit__"] = s
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("conduit %s: encode params: %w", method, err)
	}
	form := url.Values{
		"params":      {string(encoded)},
		"output":      {"json"},
		"__conduit__": {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri+method, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("conduit %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("conduit %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("conduit %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conduit %s: unexpected status %s", method, resp.Status)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("conduit %s: decode response: %w", method, err)
	}
	if r.ErrorCode != nil && *r.ErrorCode != "" {
		info := ""
		if r.ErrorInfo != nil {
			info = *r.ErrorInfo
		}
		return &Error{Method: method, Code: *r.ErrorCode, Info: info}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("conduit %s: decode result: %w", method, err)
	}
	return nil
}
