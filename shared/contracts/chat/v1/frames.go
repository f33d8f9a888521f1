// Package v1 defines the chat socket wire contract.
//
// Frames are plain JSON objects, one per text message. The client sends
// OutboundFrame; the server streams InboundFrame chunks and finishes a reply
// with a frame whose Done is true.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PathPrefix is the socket route; the room id and a trailing slash follow it.
const PathPrefix = "/ws/chat/"

// TokenParam is the query parameter carrying the access token.
const TokenParam = "token"

// OutboundFrame asks the bot for a reply in the room.
type OutboundFrame struct {
	Message           string `json:"message"`
	AIModel           string `json:"ai_model"`
	AIModelParameters string `json:"ai_model_parameters"`
	// Image is an optional data URL or bare base64 payload.
	Image string `json:"image,omitempty"`
}

// Validate checks the fields the server requires.
func (f OutboundFrame) Validate() error {
	if strings.TrimSpace(f.AIModel) == "" {
		return errors.New("missing field: ai_model")
	}
	if f.Message == "" && f.Image == "" {
		return errors.New("empty frame: message or image required")
	}
	return nil
}

// InboundFrame is one chunk of a streamed reply, or the full reply when Done.
type InboundFrame struct {
	Message string `json:"message"`
	Done    bool   `json:"done"`
}

// DecodeInbound parses and validates an inbound text frame.
func DecodeInbound(b []byte) (InboundFrame, error) {
	var raw struct {
		Message *string `json:"message"`
		Done    *bool   `json:"done"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return InboundFrame{}, fmt.Errorf("invalid json: %w", err)
	}
	if raw.Message == nil {
		return InboundFrame{}, errors.New("missing field: message")
	}

	f := InboundFrame{Message: *raw.Message}
	if raw.Done != nil {
		f.Done = *raw.Done
	}
	return f, nil
}
