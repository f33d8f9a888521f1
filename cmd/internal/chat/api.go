// Package chat holds the state stores that sit on top of the session: the
// model catalog, chat lists and histories, and the user's model containers.
//
// Every call goes through the request gate. Each store exposes ResetState,
// registered as a session reset hook; replies that land after a reset are
// dropped instead of repopulating the cleared state.
package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"chatsession/cmd/internal/gate"
)

// Requester issues gated requests. *gate.Gate implements it.
type Requester interface {
	Do(ctx context.Context, req gate.Request) (*gate.Response, error)
}

func call(ctx context.Context, api Requester, op, method, path string, query url.Values, body any, want int) (*gate.Response, error) {
	resp, err := api.Do(ctx, gate.Request{Method: method, Path: path, Query: query, Body: body})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.Status != want {
		return resp, &StatusError{Op: op, Status: resp.Status}
	}
	return resp, nil
}

func get(ctx context.Context, api Requester, op, path string, query url.Values) (*gate.Response, error) {
	return call(ctx, api, op, http.MethodGet, path, query, nil, http.StatusOK)
}
