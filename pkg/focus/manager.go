// Package focus tracks the assistant's current focus and its working board
// of categorized notes.
package focus

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the focus interface consumed by the query router and the
// proactive scheduler.
type Manager interface {
	SetFocus(text string)
	CurrentFocus() string
}

// Note is one focus board entry.
type Note struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// InMemoryManager implements Manager with an attached focus board. Setting
// a new focus archives the previous board.
type InMemoryManager struct {
	mu       sync.RWMutex
	focus    string
	board    map[string][]Note
	archives map[string][]Note
}

// NewInMemoryManager creates an empty manager.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		board:    make(map[string][]Note),
		archives: make(map[string][]Note),
	}
}

// SetFocus replaces the current focus. The previous focus's board is moved
// to the archive.
func (m *InMemoryManager) SetFocus(text string) {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focus != "" && m.focus != text {
		var archived []Note
		for _, notes := range m.board {
			archived = append(archived, notes...)
		}
		if len(archived) > 0 {
			m.archives[m.focus] = archived
		}
		m.board = make(map[string][]Note)
	}
	m.focus = text
	slog.Info("Focus changed", "focus", text)
}

// CurrentFocus returns the active focus, or "" when none is set.
func (m *InMemoryManager) CurrentFocus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focus
}

// AddNote appends a note to a board category and returns its ID.
func (m *InMemoryManager) AddNote(category, text string, metadata map[string]any) string {
	note := Note{
		ID:        uuid.New().String(),
		Category:  category,
		Text:      text,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.board[category] = append(m.board[category], note)
	m.mu.Unlock()
	return note.ID
}

// Notes returns the notes in a category, oldest first.
func (m *InMemoryManager) Notes(category string) []Note {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Note(nil), m.board[category]...)
}

// ClearCategory removes all notes in a category.
func (m *InMemoryManager) ClearCategory(category string) {
	m.mu.Lock()
	delete(m.board, category)
	m.mu.Unlock()
}

// Summary renders the board as a short text block for prompt context. At
// most perCategory recent notes are included per category.
func (m *InMemoryManager) Summary(perCategory int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.board) == 0 {
		return ""
	}
	categories := make([]string, 0, len(m.board))
	for c := range m.board {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var sb strings.Builder
	for _, category := range categories {
		notes := m.board[category]
		if len(notes) > perCategory {
			notes = notes[len(notes)-perCategory:]
		}
		fmt.Fprintf(&sb, "%s:\n", category)
		for _, n := range notes {
			fmt.Fprintf(&sb, "- %s\n", n.Text)
		}
	}
	return sb.String()
}
