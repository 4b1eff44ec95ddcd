// Package history keeps the bounded turn log used to rehydrate resumed
// sessions.
package history

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
)

const (
	defaultMaxEntries       = 100
	defaultMaxContentLength = 10000

	TruncationMarker = "... [truncated]"
)

type Entry struct {
	Role      shared.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

type Config struct {
	MaxEntries       int
	MaxContentLength int
	// EnableCompaction collapses the middle third of the log instead of
	// dropping the oldest entries once CompactionThreshold is reached.
	EnableCompaction    bool
	CompactionThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = defaultMaxContentLength
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = c.MaxEntries
	}
	return c
}

type Manager struct {
	cfg     Config
	clock   shared.Clock
	mu      sync.RWMutex
	entries []Entry
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

func (m *Manager) SetClock(c shared.Clock) {
	m.mu.Lock()
	m.clock = c
	m.mu.Unlock()
}

// AddEntry stores content, truncated with TruncationMarker when it exceeds
// MaxContentLength.
func (m *Manager) AddEntry(role shared.Role, content string) Entry {
	if len(content) > m.cfg.MaxContentLength {
		content = truncate(content, m.cfg.MaxContentLength) + TruncationMarker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := Entry{Role: role, Content: content, Timestamp: m.clock.Now()}
	m.entries = append(m.entries, e)

	if len(m.entries) > m.cfg.MaxEntries {
		if m.cfg.EnableCompaction && len(m.entries) >= m.cfg.CompactionThreshold {
			m.compactLocked()
		}
		if len(m.entries) > m.cfg.MaxEntries {
			m.entries = append([]Entry(nil), m.entries[len(m.entries)-m.cfg.MaxEntries:]...)
		}
	}
	return e
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func (m *Manager) compactLocked() {
	n := len(m.entries)
	third := n / 3
	if third == 0 {
		return
	}
	head := m.entries[:third]
	middle := m.entries[third : n-third]
	tail := m.entries[n-third:]

	summary := Entry{
		Role:      shared.RoleAssistant,
		Content:   fmt.Sprintf("[compressed %d messages]", len(middle)),
		Timestamp: middle[len(middle)-1].Timestamp,
	}

	compacted := make([]Entry, 0, len(head)+1+len(tail))
	compacted = append(compacted, head...)
	compacted = append(compacted, summary)
	compacted = append(compacted, tail...)
	m.entries = compacted
}

func (m *Manager) GetContextHistory() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// SearchContext is a case-insensitive substring scan. An empty role matches
// every entry.
func (m *Manager) SearchContext(query string, role shared.Role) []Entry {
	q := strings.ToLower(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if role != "" && e.Role != role {
			continue
		}
		if strings.Contains(strings.ToLower(e.Content), q) {
			out = append(out, e)
		}
	}
	return out
}

// Replace swaps the whole log, keeping the newest MaxEntries entries.
func (m *Manager) Replace(entries []Entry) {
	if len(entries) > m.cfg.MaxEntries {
		entries = entries[len(entries)-m.cfg.MaxEntries:]
	}
	m.mu.Lock()
	m.entries = append([]Entry(nil), entries...)
	m.mu.Unlock()
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}
