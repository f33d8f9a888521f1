package chat

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
)

// Containers tracks the user's model containers.
type Containers struct {
	api Requester
	log *slog.Logger

	mu   sync.RWMutex
	gen  uint64
	list []Container
}

// NewContainers builds an empty container store. log may be nil.
func NewContainers(api Requester, log *slog.Logger) *Containers {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Containers{api: api, log: log}
}

// ResetState forgets the container list.
func (c *Containers) ResetState(context.Context) {
	c.mu.Lock()
	c.gen++
	c.list = nil
	c.mu.Unlock()
}

// List returns the cached containers.
func (c *Containers) List() []Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Container(nil), c.list...)
}

// CheckDockerConnection reports whether the backend can reach its container runtime.
func (c *Containers) CheckDockerConnection(ctx context.Context) bool {
	if _, err := get(ctx, c.api, "check docker", "/docker/", nil); err != nil {
		c.log.Info("containers.docker.unavailable", "err", err)
		return false
	}
	return true
}

// ListContainers loads the user's containers.
func (c *Containers) ListContainers(ctx context.Context) ([]Container, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	resp, err := get(ctx, c.api, "list containers", "/docker/containers/", nil)
	if err != nil {
		return nil, err
	}
	var list []Container
	if err := resp.Decode(&list); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil, ErrDiscarded
	}
	c.list = list
	return list, nil
}

// RunContainer starts a container for model at the given parameter size.
func (c *Containers) RunContainer(ctx context.Context, model, parameters string) error {
	return c.act(ctx, "run container", http.MethodPost, model, parameters, "", http.StatusCreated)
}

// StopContainer stops the container for model.
func (c *Containers) StopContainer(ctx context.Context, model, parameters string) error {
	return c.act(ctx, "stop container", http.MethodDelete, model, parameters, "stop", http.StatusOK)
}

// RemoveContainer removes the container for model.
func (c *Containers) RemoveContainer(ctx context.Context, model, parameters string) error {
	return c.act(ctx, "remove container", http.MethodDelete, model, parameters, "remove", http.StatusOK)
}

func (c *Containers) act(ctx context.Context, op, method, model, parameters, action string, want int) error {
	q := url.Values{"parameters": {parameters}}
	if action != "" {
		q.Set("method", action)
	}
	if _, err := call(ctx, c.api, op, method, "/docker/container/"+url.PathEscape(model), q, struct{}{}, want); err != nil {
		return err
	}
	_, err := c.ListContainers(ctx)
	return err
}
