package sandbox

import (
	"sync"
	"time"
)

// Message is a copy of a message captured in sandbox or redirect mode
type Message struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           []string  `json:"to"`
	OriginalTo   []string  `json:"originalTo,omitempty"`
	Subject      string    `json:"subject"`
	Text         string    `json:"text,omitempty"`
	HTML         string    `json:"html,omitempty"`
	Attachments  []string  `json:"attachments,omitempty"`
	Mode         string    `json:"mode"`
	CapturedAt   time.Time `json:"capturedAt"`
	SimulatedErr string    `json:"simulatedError,omitempty"`
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	Mode   string
	Limit  int
	Offset int
}

// Stats summarizes captured messages
type Stats struct {
	Total    int            `json:"total"`
	ByMode   map[string]int `json:"byMode"`
	OldestAt time.Time      `json:"oldestAt,omitempty"`
	NewestAt time.Time      `json:"newestAt,omitempty"`
}

// Storage keeps the most recent captured messages in memory. Once capacity
// is reached the oldest message is dropped.
type Storage struct {
	mu       sync.RWMutex
	messages []*Message // oldest first
	capacity int
}

// NewStorage creates a store holding at most capacity messages
func NewStorage(capacity int) *Storage {
	if capacity <= 0 {
		capacity = 500
	}
	return &Storage{capacity: capacity}
}

// Save stores a message
func (s *Storage) Save(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) >= s.capacity {
		s.messages = s.messages[len(s.messages)-s.capacity+1:]
	}
	s.messages = append(s.messages, msg)
}

// Get returns a message by ID, or nil
func (s *Storage) Get(id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// List returns messages newest first
func (s *Storage) List(filter ListFilter) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, 0)
	skipped := 0
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if filter.Mode != "" && m.Mode != filter.Mode {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Clear removes all messages and returns how many were dropped
func (s *Storage) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.messages)
	s.messages = nil
	return n
}

// Stats returns capture statistics
func (s *Storage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ByMode: make(map[string]int)}
	for _, m := range s.messages {
		stats.Total++
		stats.ByMode[m.Mode]++
		if stats.OldestAt.IsZero() || m.CapturedAt.Before(stats.OldestAt) {
			stats.OldestAt = m.CapturedAt
		}
		if m.CapturedAt.After(stats.NewestAt) {
			stats.NewestAt = m.CapturedAt
		}
	}
	return stats
}
