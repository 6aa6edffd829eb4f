// Package session holds the state of one menu run cycle: the channels under
// test and the results collected so far
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/result"
)

// Session is created when a run starts and dropped when its results have
// been shown. Results are append-only.
type Session struct {
	ID       string
	Started  time.Time
	Channels []config.Channel

	mu      sync.Mutex
	results []result.Result
}

// New starts a session for the given channels
func New(channels []config.Channel) *Session {
	chs := make([]config.Channel, len(channels))
	copy(chs, channels)
	return &Session{
		ID:       uuid.NewString(),
		Started:  time.Now(),
		Channels: chs,
	}
}

// Add records a result
func (s *Session) Add(r result.Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

// Results returns a copy of the results in the order they were added
func (s *Session) Results() []result.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]result.Result, len(s.results))
	copy(out, s.results)
	return out
}

// Len is the number of results collected
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Interfaces returns the channel interface names in channel order
func (s *Session) Interfaces() []string {
	names := make([]string, 0, len(s.Channels))
	for _, ch := range s.Channels {
		names = append(names, ch.Interface)
	}
	return names
}
