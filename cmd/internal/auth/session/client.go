package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatsession/cmd/internal/auth/tokenstore"
)

// Auth endpoint paths.
const (
	PathLogin           = "/auth/login/"
	PathRegister        = "/auth/register/"
	PathRefresh         = "/auth/token/refresh/"
	PathCheckAndRefresh = "/auth/token/check-and-refresh/"
	PathMe              = "/auth/user/me/"
)

const maxResponseBytes = 1 << 20 // 1MiB

// AuthClient performs the auth endpoint exchanges and validates every reply
// against its schema before use.
type AuthClient struct {
	base *url.URL
	http *http.Client
}

// NewAuthClient builds a client for serverURL. A nil hc gets a 15s-timeout client.
func NewAuthClient(serverURL string, hc *http.Client) (*AuthClient, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("%w: server url: %v", ErrConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrConfig, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, fmt.Errorf("%w: missing host", ErrConfig)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &AuthClient{base: u, http: hc}, nil
}

// Login exchanges credentials for a token pair (expects 2xx, normally 200).
func (c *AuthClient) Login(ctx context.Context, username, password string) (Credentials, error) {
	return c.credentials(ctx, "login", PathLogin, username, password)
}

// Register creates an account and returns its token pair (expects 2xx, normally 201).
func (c *AuthClient) Register(ctx context.Context, username, password string) (Credentials, error) {
	return c.credentials(ctx, "register", PathRegister, username, password)
}

func (c *AuthClient) credentials(ctx context.Context, op, path, username, password string) (Credentials, error) {
	status, body, err := c.do(ctx, http.MethodPost, path, credentialsRequest{Username: username, Password: password}, "")
	if err != nil {
		return Credentials{}, &AuthError{Op: op, Kind: err}
	}
	if status/100 != 2 {
		return Credentials{}, &AuthError{Op: op, Kind: ErrAuthRejected, Status: status, UserMessage: extractServerMessage(body)}
	}

	var res credentialsResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return Credentials{}, &AuthError{Op: op, Kind: ErrProtocol, Status: status}
	}
	pair, err := res.Token.pair()
	if err != nil {
		return Credentials{}, &AuthError{Op: op, Kind: ErrProtocol, Status: status}
	}
	return Credentials{User: res.User, Tokens: pair}, nil
}

// Refresh sends the refresh token and returns the next pair. When the server
// does not rotate, the returned pair keeps the given refresh token.
func (c *AuthClient) Refresh(ctx context.Context, refresh string) (tokenstore.TokenPair, error) {
	status, body, err := c.do(ctx, http.MethodPost, PathRefresh, refreshRequest{Refresh: refresh}, "")
	if err != nil {
		return tokenstore.TokenPair{}, &AuthError{Op: "refresh", Kind: err}
	}
	if status != http.StatusOK {
		return tokenstore.TokenPair{}, &AuthError{Op: "refresh", Kind: ErrAuthRejected, Status: status, UserMessage: extractServerMessage(body)}
	}

	var res refreshResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return tokenstore.TokenPair{}, &AuthError{Op: "refresh", Kind: ErrProtocol, Status: status}
	}
	if err := res.validate(); err != nil {
		return tokenstore.TokenPair{}, &AuthError{Op: "refresh", Kind: ErrProtocol, Status: status}
	}

	next := tokenstore.TokenPair{Access: strings.TrimSpace(res.Access), Refresh: refresh}
	if r := strings.TrimSpace(res.Refresh); r != "" {
		next.Refresh = r
	}
	return next, nil
}

// CheckAndRefresh asks the server to validate the pair and refresh it if needed.
func (c *AuthClient) CheckAndRefresh(ctx context.Context, pair tokenstore.TokenPair) (tokenstore.TokenPair, error) {
	status, body, err := c.do(ctx, http.MethodPost, PathCheckAndRefresh, checkRequest{Access: pair.Access, Refresh: pair.Refresh}, "")
	if err != nil {
		return tokenstore.TokenPair{}, &AuthError{Op: "check", Kind: err}
	}
	if status != http.StatusOK {
		return tokenstore.TokenPair{}, &AuthError{Op: "check", Kind: ErrAuthRejected, Status: status, UserMessage: extractServerMessage(body)}
	}

	var res checkResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return tokenstore.TokenPair{}, &AuthError{Op: "check", Kind: ErrProtocol, Status: status}
	}
	next, err := res.Token.pair()
	if err != nil {
		return tokenstore.TokenPair{}, &AuthError{Op: "check", Kind: ErrProtocol, Status: status}
	}
	return next, nil
}

// Me fetches the identity for access.
func (c *AuthClient) Me(ctx context.Context, access string) (User, error) {
	status, body, err := c.do(ctx, http.MethodGet, PathMe, nil, access)
	if err != nil {
		return User{}, &AuthError{Op: "me", Kind: err}
	}
	if status != http.StatusOK {
		return User{}, &AuthError{Op: "me", Kind: ErrAuthRejected, Status: status, UserMessage: extractServerMessage(body)}
	}

	var u User
	if err := json.Unmarshal(body, &u); err != nil || u.ID == "" {
		return User{}, &AuthError{Op: "me", Kind: ErrProtocol, Status: status}
	}
	return u, nil
}

// do sends one request and returns the status and (bounded) body.
// Transport failures are reported as ErrNetworkFailure.
func (c *AuthClient) do(ctx context.Context, method, path string, in any, bearer string) (int, []byte, error) {
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, JoinURL(c.base, path, nil), rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %v", ErrNetworkFailure, err)
	}
	return resp.StatusCode, body, nil
}

// JoinURL appends path (and query) to base, keeping any base path prefix and
// the trailing slash the backend routes require.
func JoinURL(base *url.URL, path string, query url.Values) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String()
}
