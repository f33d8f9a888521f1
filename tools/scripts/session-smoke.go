// Package main provides a CI-friendly smoke test of a live chat backend.
//
// It validates:
//   - login returns a decodable token pair
//   - the access token is accepted by a guarded endpoint
//   - refresh mints a new access token
//   - a rejected token yields 401
//   - the chat socket streams a reply that ends with a done frame
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	v1 "chatsession/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func main() {
	var (
		baseURL    = flag.String("url", "http://127.0.0.1:8000", "Backend base URL")
		username   = flag.String("user", os.Getenv("CHAT_SMOKE_USER"), "Username")
		password   = flag.String("password", os.Getenv("CHAT_SMOKE_PASSWORD"), "Password")
		room       = flag.String("room", "smoke-room", "Chat room for the socket step (empty skips it)")
		model      = flag.String("model", "llama3", "Model for the socket step")
		parameters = flag.String("parameters", "8b", "Model parameter size for the socket step")
		text       = flag.String("text", "say hi", "Message text to send")
		timeout    = flag.Duration("timeout", 30*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *username == "" || *password == "" {
		fatalf("-user and -password (or CHAT_SMOKE_USER / CHAT_SMOKE_PASSWORD) are required")
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	tokens := mustLogin(root, hc, base, *username, *password)
	exp := mustExpiry(tokens.Access)
	if *verbose {
		fmt.Printf("login: access expires %s\n", exp.Format(time.RFC3339))
	}

	mustStatus(root, hc, base, "/auth/user/me/", tokens.Access, http.StatusOK)
	mustStatus(root, hc, base, "/auth/user/me/", tokens.Access+"x", http.StatusUnauthorized)

	refreshed := mustRefresh(root, hc, base, tokens.Refresh)
	mustExpiry(refreshed)
	mustStatus(root, hc, base, "/auth/user/me/", refreshed, http.StatusOK)
	if *verbose {
		fmt.Println("refresh: ok")
	}

	reply := ""
	if strings.TrimSpace(*room) != "" {
		reply = mustChat(root, base, *room, refreshed, v1.OutboundFrame{
			Message:           *text,
			AIModel:           *model,
			AIModelParameters: *parameters,
		}, *timeout)
	}

	fmt.Printf("OK: user=%s room=%s reply_bytes=%d\n", *username, *room, len(reply))
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func endpoint(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + path
	return u.String()
}

func postJSON(parent context.Context, hc *http.Client, target string, body any) (int, []byte) {
	b, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(parent, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	return resp.StatusCode, out
}

func mustLogin(parent context.Context, hc *http.Client, base *url.URL, username, password string) pair {
	status, body := postJSON(parent, hc, endpoint(base, "/auth/login/"), map[string]string{
		"username": username,
		"password": password,
	})
	if status < 200 || status > 299 {
		fatalf("login: status=%d body=%s", status, body)
	}
	var out struct {
		Token pair `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		fatalf("login: bad json: %v", err)
	}
	if out.Token.Access == "" || out.Token.Refresh == "" {
		fatalf("login: incomplete token pair")
	}
	return out.Token
}

func mustRefresh(parent context.Context, hc *http.Client, base *url.URL, refresh string) string {
	status, body := postJSON(parent, hc, endpoint(base, "/auth/token/refresh/"), map[string]string{"refresh": refresh})
	if status != http.StatusOK {
		fatalf("refresh: status=%d body=%s", status, body)
	}
	var out pair
	if err := json.Unmarshal(body, &out); err != nil {
		fatalf("refresh: bad json: %v", err)
	}
	if out.Access == "" {
		fatalf("refresh: missing access token")
	}
	return out.Access
}

func mustExpiry(tok string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		fatalf("decode token: %v", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		fatalf("decode token: missing exp")
	}
	if !exp.After(time.Now()) {
		fatalf("decode token: already expired at %s", exp.Format(time.RFC3339))
	}
	return exp.Time
}

func mustStatus(parent context.Context, hc *http.Client, base *url.URL, path, access string, want int) {
	req, err := http.NewRequestWithContext(parent, http.MethodGet, endpoint(base, path), nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := hc.Do(req)
	if err != nil {
		fatalf("GET %s: %v", path, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != want {
		fatalf("GET %s: status=%d want=%d", path, resp.StatusCode, want)
	}
}

func mustChat(parent context.Context, base *url.URL, room, access string, f v1.OutboundFrame, stepTimeout time.Duration) string {
	if err := f.Validate(); err != nil {
		fatalf("outbound frame: %v", err)
	}

	u := *base
	u.Scheme = map[string]string{"http": "ws", "https": "wss"}[base.Scheme]
	u.Path = v1.PathPrefix + room + "/"
	u.RawQuery = url.Values{v1.TokenParam: {access}}.Encode()

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %s", room, strings.ReplaceAll(err.Error(), access, "[redacted]"))
	}
	defer closeWS(conn)
	conn.SetReadLimit(maxReadBytes)

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}

	var chunks strings.Builder
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("read while waiting for done frame: %v", err)
		}
		if mt != websocket.MessageText {
			fatalf("unsupported message type: %v", mt)
		}
		in, err := v1.DecodeInbound(data)
		if err != nil {
			fatalf("bad inbound frame: %v", err)
		}
		if in.Done {
			if in.Message == "" && chunks.Len() == 0 {
				fatalf("empty reply")
			}
			return in.Message
		}
		chunks.WriteString(in.Message)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
