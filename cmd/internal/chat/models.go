package chat

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ID is a server identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "null" {
		s = ""
	}
	*id = ID(s)
	return nil
}

// ModelVersion is one parameter size of a model.
type ModelVersion struct {
	Parameters string `json:"parameters"`
	Size       string `json:"size"`
}

// AIModel is an entry of the model catalog.
type AIModel struct {
	ID              ID             `json:"id"`
	Name            string         `json:"name"`
	Model           string         `json:"model"`
	Description     string         `json:"description"`
	Popularity      int            `json:"popularity"`
	CanProcessImage bool           `json:"can_process_image"`
	Versions        []ModelVersion `json:"versions"`
}

// Roles of a chat message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
}

// Summary identifies a chat in the per-model chat list.
type Summary struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}

// ContainerStatus is the lifecycle status reported for a model container.
type ContainerStatus string

const (
	ContainerRunning      ContainerStatus = "running"
	ContainerExited       ContainerStatus = "exited"
	ContainerPaused       ContainerStatus = "paused"
	ContainerRestarting   ContainerStatus = "restarting"
	ContainerPullingModel ContainerStatus = "pulling_model"
)

// Container is a model container owned by the user.
type Container struct {
	Name        string          `json:"name"`
	Status      ContainerStatus `json:"status"`
	Port        *string         `json:"port"`
	Environment json.RawMessage `json:"environment,omitempty"`
}

type askRequest struct {
	Model   string `json:"model"`
	Message string `json:"message"`
}

type askResponse struct {
	Content string `json:"content"`
}

type deleteChatRequest struct {
	ChatID ID `json:"chat_id"`
}

type renameChatRequest struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}
