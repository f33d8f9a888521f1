package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"chatsession/cmd/internal/auth/session"
)

// Store is the model catalog plus per-model chat lists and histories.
type Store struct {
	api Requester
	log *slog.Logger

	mu      sync.RWMutex
	gen     uint64
	models  []AIModel
	history map[string][]Message
	chats   map[string][]Summary
	sending bool
}

// NewStore builds an empty Store. log may be nil.
func NewStore(api Requester, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		api:     api,
		log:     log,
		history: make(map[string][]Message),
		chats:   make(map[string][]Summary),
	}
}

// ResetState clears everything derived from the session.
func (s *Store) ResetState(context.Context) {
	s.mu.Lock()
	s.gen++
	s.models = nil
	s.history = make(map[string][]Message)
	s.chats = make(map[string][]Summary)
	s.sending = false
	s.mu.Unlock()
}

func (s *Store) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// apply runs fn under the write lock unless a reset happened since gen.
func (s *Store) apply(gen uint64, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrDiscarded
	}
	fn()
	return nil
}

// AIModels returns the cached catalog.
func (s *Store) AIModels() []AIModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AIModel(nil), s.models...)
}

// History returns the cached history for model.
func (s *Store) History(model string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.history[model]...)
}

// Chats returns the cached chat list for model.
func (s *Store) Chats(model string) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Summary(nil), s.chats[model]...)
}

// Sending reports whether an AskBot call is in flight.
func (s *Store) Sending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sending
}

// FetchAIModels loads the model catalog.
func (s *Store) FetchAIModels(ctx context.Context) ([]AIModel, error) {
	gen := s.generation()
	resp, err := get(ctx, s.api, "fetch models", "ai-models/", nil)
	if err != nil {
		return nil, err
	}
	var models []AIModel
	if err := resp.Decode(&models); err != nil {
		return nil, err
	}
	if err := s.apply(gen, func() { s.models = models }); err != nil {
		return nil, err
	}
	return models, nil
}

// FetchAllChats loads the chat list for model.
func (s *Store) FetchAllChats(ctx context.Context, model string) ([]Summary, error) {
	gen := s.generation()
	resp, err := get(ctx, s.api, "fetch chats", "all-chats/"+url.PathEscape(model), url.Values{"model": {model}})
	if err != nil {
		return nil, err
	}
	var chats []Summary
	if err := resp.Decode(&chats); err != nil {
		return nil, err
	}
	if err := s.apply(gen, func() { s.chats[model] = chats }); err != nil {
		return nil, err
	}
	return chats, nil
}

// FetchChatHistory loads one chat's history as the current history for model.
func (s *Store) FetchChatHistory(ctx context.Context, model string, chatID ID) ([]Message, error) {
	gen := s.generation()
	path := "chat-history/" + url.PathEscape(model) + "/" + url.PathEscape(string(chatID))
	resp, err := get(ctx, s.api, "fetch history", path, url.Values{"model": {model}})
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := resp.Decode(&msgs); err != nil {
		return nil, err
	}
	if err := s.apply(gen, func() { s.history[model] = msgs }); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AskBot appends the user message, asks the model over HTTP and appends the reply.
func (s *Store) AskBot(ctx context.Context, model, message string) (Message, error) {
	s.mu.Lock()
	gen := s.gen
	s.sending = true
	s.history[model] = append(s.history[model], Message{Role: RoleUser, Content: message})
	s.mu.Unlock()

	defer func() {
		_ = s.apply(gen, func() { s.sending = false })
	}()

	resp, err := call(ctx, s.api, "ask bot", http.MethodPost, "ask-bot/"+url.PathEscape(model), nil,
		askRequest{Model: model, Message: message}, http.StatusOK)
	if err != nil {
		s.log.Info("chat.ask.fail", "model", model, "err", err)
		return Message{}, err
	}
	var out askResponse
	if err := resp.Decode(&out); err != nil {
		return Message{}, err
	}

	reply := Message{Role: RoleAssistant, Content: out.Content}
	if err := s.apply(gen, func() { s.history[model] = append(s.history[model], reply) }); err != nil {
		return Message{}, err
	}
	return reply, nil
}

// CreateChat creates an empty chat for model.
func (s *Store) CreateChat(ctx context.Context, model string) (Summary, error) {
	gen := s.generation()
	resp, err := call(ctx, s.api, "create chat", http.MethodPost, "all-chats/"+url.PathEscape(model), nil,
		struct{}{}, http.StatusCreated)
	if err != nil {
		return Summary{}, err
	}
	var c Summary
	if err := resp.Decode(&c); err != nil {
		return Summary{}, err
	}
	if c.ID == "" {
		return Summary{}, fmt.Errorf("create chat: %w: missing id", session.ErrProtocol)
	}
	if err := s.apply(gen, func() { s.chats[model] = append(s.chats[model], c) }); err != nil {
		return Summary{}, err
	}
	return c, nil
}

// DeleteChat deletes a chat and drops it from the list.
func (s *Store) DeleteChat(ctx context.Context, model string, chatID ID) error {
	gen := s.generation()
	_, err := call(ctx, s.api, "delete chat", http.MethodDelete, "all-chats/"+url.PathEscape(model), nil,
		deleteChatRequest{ChatID: chatID}, http.StatusOK)
	if err != nil {
		return err
	}
	return s.apply(gen, func() {
		kept := s.chats[model][:0]
		for _, c := range s.chats[model] {
			if c.ID != chatID {
				kept = append(kept, c)
			}
		}
		s.chats[model] = kept
	})
}

// ChangeChatTitle renames a chat and moves it to the front of the list.
func (s *Store) ChangeChatTitle(ctx context.Context, model string, chatID ID, title string) error {
	gen := s.generation()
	_, err := call(ctx, s.api, "rename chat", http.MethodPut, "all-chats/"+url.PathEscape(model), nil,
		renameChatRequest{ID: chatID, Title: title}, http.StatusOK)
	if err != nil {
		return err
	}
	return s.apply(gen, func() {
		list := s.chats[model]
		for i, c := range list {
			if c.ID != chatID {
				continue
			}
			c.Title = title
			next := make([]Summary, 0, len(list))
			next = append(next, c)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			s.chats[model] = next
			return
		}
	})
}
