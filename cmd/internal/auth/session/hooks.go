package session

import "context"

// Notifier shows transient user-facing messages.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Navigator is the route side effect boundary.
type Navigator interface {
	CurrentRoute() string
	Navigate(route string)
}

// ResetFunc clears state a collaborator derived from the session.
type ResetFunc func(ctx context.Context)

type resetHook struct {
	name string
	fn   ResetFunc
}

type nopNotifier struct{}

func (nopNotifier) Success(string) {}
func (nopNotifier) Error(string)   {}

type nopNavigator struct{}

func (nopNavigator) CurrentRoute() string { return "" }
func (nopNavigator) Navigate(string)      {}

// RegisterReset adds a hook run on every effective logout and whenever a new
// login replaces a live session, in registration order.
// Registering the same name again replaces the earlier hook in place.
func (m *Manager) RegisterReset(name string, fn ResetFunc) {
	if fn == nil {
		return
	}
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()

	for i := range m.resets {
		if m.resets[i].name == name {
			m.resets[i].fn = fn
			return
		}
	}
	m.resets = append(m.resets, resetHook{name: name, fn: fn})
}

// OnStateChange registers an observer called after each state transition.
// Observers run on the goroutine that caused the transition, outside any lock.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		return
	}
	m.hooksMu.Lock()
	m.observers = append(m.observers, fn)
	m.hooksMu.Unlock()
}

func (m *Manager) emit(changes ...StateChange) {
	if len(changes) == 0 {
		return
	}
	m.hooksMu.Lock()
	obs := append([]func(StateChange){}, m.observers...)
	m.hooksMu.Unlock()

	for _, c := range changes {
		for _, fn := range obs {
			fn(c)
		}
	}
}

func (m *Manager) runResets(ctx context.Context) {
	m.hooksMu.Lock()
	hooks := append([]resetHook{}, m.resets...)
	m.hooksMu.Unlock()

	for _, h := range hooks {
		m.log.Debug("session.reset", "hook", h.name)
		h.fn(ctx)
	}
}
