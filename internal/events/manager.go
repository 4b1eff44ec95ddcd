// Package events is the typed publish/subscribe dispatcher shared by every
// component of one live client.
package events

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/voice-live/internal/shared"
)

type Handler func(payload any)

type ListenerID uint64

type listener struct {
	id      ListenerID
	handler Handler
	once    bool
}

// Manager dispatches synchronously on the emitting goroutine. A panicking
// listener is recovered and re-emitted as an Error event.
type Manager struct {
	mu        sync.RWMutex
	listeners map[Name][]listener
	nextID    ListenerID
	log       *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		listeners: make(map[Name][]listener),
		log:       log.With("component", "events"),
	}
}

func (m *Manager) On(name Name, h Handler) ListenerID {
	return m.add(name, h, false)
}

func (m *Manager) Once(name Name, h Handler) ListenerID {
	return m.add(name, h, true)
}

func (m *Manager) add(name Name, h Handler, once bool) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[name] = append(m.listeners[name], listener{id: id, handler: h, once: once})
	return id
}

// Off removes one listener. It reports whether the listener was registered.
func (m *Manager) Off(name Name, id ListenerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(name, id)
}

func (m *Manager) removeLocked(name Name, id ListenerID) bool {
	ls := m.listeners[name]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		ls = append(ls[:i:i], ls[i+1:]...)
		if len(ls) == 0 {
			delete(m.listeners, name)
		} else {
			m.listeners[name] = ls
		}
		return true
	}
	return false
}

// Emit reports whether any listener was invoked.
func (m *Manager) Emit(name Name, payload any) bool {
	m.mu.Lock()
	ls := m.listeners[name]
	if len(ls) == 0 {
		m.mu.Unlock()
		return false
	}
	snapshot := make([]listener, len(ls))
	copy(snapshot, ls)
	for _, l := range snapshot {
		if l.once {
			m.removeLocked(name, l.id)
		}
	}
	m.mu.Unlock()

	for _, l := range snapshot {
		m.invoke(name, l, payload)
	}
	return true
}

func (m *Manager) invoke(name Name, l listener, payload any) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		m.log.Error("event listener failed", "event", name, "listener_id", l.id, "panic", r)
		if name == Error {
			return
		}
		m.Emit(Error, shared.Errorf(shared.CodeUnknown, "listener for %s failed: %v", name, r).
			WithDetails(map[string]any{"event": string(name), "panic": fmt.Sprint(r)}))
	}()
	l.handler(payload)
}

func (m *Manager) ListenerCount(name Name) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[name])
}

func (m *Manager) Names() []Name {
	m.mu.RLock()
	names := make([]Name, 0, len(m.listeners))
	for n := range m.listeners {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Cleanup removes every listener.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.listeners = make(map[Name][]listener)
	m.mu.Unlock()
}

// Subscribe registers a listener that only receives payloads of type T.
func Subscribe[T any](m *Manager, name Name, fn func(T)) ListenerID {
	return m.On(name, func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}

// SubscribeOnce is the one-shot variant of Subscribe.
func SubscribeOnce[T any](m *Manager, name Name, fn func(T)) ListenerID {
	return m.Once(name, func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}
