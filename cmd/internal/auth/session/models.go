package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"chatsession/cmd/internal/auth/tokenstore"
)

// User is the identity mirrored from the server. It is owned by the Manager
// and cleared whenever tokens are cleared.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// UnmarshalJSON accepts both numeric and string ids.
func (u *User) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID       json.RawMessage `json:"id"`
		Username string          `json:"username"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	u.ID = strings.Trim(string(bytes.TrimSpace(aux.ID)), `"`)
	if u.ID == "null" {
		u.ID = ""
	}
	u.Username = aux.Username
	return nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenBody struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (t *tokenBody) pair() (tokenstore.TokenPair, error) {
	if t == nil {
		return tokenstore.TokenPair{}, fmt.Errorf("%w: missing token", ErrProtocol)
	}
	p := tokenstore.TokenPair{Access: strings.TrimSpace(t.Access), Refresh: strings.TrimSpace(t.Refresh)}
	if p.Access == "" || p.Refresh == "" {
		return tokenstore.TokenPair{}, fmt.Errorf("%w: token requires access and refresh", ErrProtocol)
	}
	return p, nil
}

// credentialsResponse is the login/register reply: {user?, token:{access,refresh}}.
type credentialsResponse struct {
	User  *User      `json:"user"`
	Token *tokenBody `json:"token"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// refreshResponse is {access} or {access, refresh} when the server rotates.
type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (r refreshResponse) validate() error {
	if strings.TrimSpace(r.Access) == "" {
		return fmt.Errorf("%w: refresh reply without access", ErrProtocol)
	}
	return nil
}

type checkRequest struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type checkResponse struct {
	Token *tokenBody `json:"token"`
}

// Credentials is a validated login/register result.
type Credentials struct {
	User   *User
	Tokens tokenstore.TokenPair
}

// serverMessageKeys are tried in order when extracting a user-facing message.
var serverMessageKeys = []string{"error", "Error", "detail", "message"}

// extractServerMessage pulls a human-readable message out of an error payload.
//
// Besides the common keys, it understands field-error maps such as
// {"username": ["A user with that username already exists."]}.
func extractServerMessage(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil || len(m) == 0 {
		return ""
	}
	for _, k := range serverMessageKeys {
		if s := firstString(m[k]); s != "" {
			return s
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s := firstString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
