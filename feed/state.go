package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a copy of the feed state at one instant.
type Snapshot struct {
	LiveTrades []Trade        `json:"live_trades"`
	Dashboard  *DashboardData `json:"dashboard"`
	Positions  []Position     `json:"positions"`
	LastUpdate time.Time      `json:"last_update"`
}

// State holds the latest value of each feed section and fans updates out to
// listeners. Writes are last-write-wins per section: an event that carries
// only positions leaves trades and dashboard untouched.
type State struct {
	mu         sync.RWMutex
	liveTrades []Trade
	dashboard  *DashboardData
	positions  []Position
	lastUpdate time.Time

	// listenerMu is held in read mode across fan-out sends, so a listener
	// channel can never be closed while a send to it is in flight.
	listenerMu sync.RWMutex
	listeners  map[string]chan Snapshot
}

// NewState creates an empty feed state.
func NewState() *State {
	return &State{listeners: make(map[string]chan Snapshot)}
}

// Apply folds an event payload into the state and notifies listeners. A nil
// payload (an event with no data object) is a no-op.
func (s *State) Apply(p *EventPayload) {
	if p == nil {
		return
	}
	s.mu.Lock()
	if p.LiveTrades != nil {
		s.liveTrades = p.LiveTrades
	}
	if p.Dashboard != nil {
		s.dashboard = p.Dashboard
	}
	if p.Positions != nil {
		s.positions = p.Positions
	}
	s.lastUpdate = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.listenerMu.RLock()
	for _, ch := range s.listeners {
		select {
		case ch <- snap:
		default:
			// Slow listener; it will catch up on the next update.
		}
	}
	s.listenerMu.RUnlock()
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{LastUpdate: s.lastUpdate}
	if s.liveTrades != nil {
		snap.LiveTrades = make([]Trade, len(s.liveTrades))
		copy(snap.LiveTrades, s.liveTrades)
	}
	if s.dashboard != nil {
		d := *s.dashboard
		snap.Dashboard = &d
	}
	if s.positions != nil {
		snap.Positions = make([]Position, len(s.positions))
		copy(snap.Positions, s.positions)
	}
	return snap
}

// Reset drops all sections, e.g. when the session is deauthorized and stale
// trading data must not linger.
func (s *State) Reset() {
	s.mu.Lock()
	s.liveTrades = nil
	s.dashboard = nil
	s.positions = nil
	s.lastUpdate = time.Time{}
	s.mu.Unlock()
}

// AddListener registers an update channel and returns its id for removal.
// The channel is buffered; updates that arrive while it is full are dropped
// for that listener.
func (s *State) AddListener() (string, <-chan Snapshot) {
	id := uuid.New().String()
	ch := make(chan Snapshot, 8)
	s.listenerMu.Lock()
	s.listeners[id] = ch
	s.listenerMu.Unlock()
	return id, ch
}

// RemoveListener unregisters a listener and closes its channel. Taking the
// write lock first means any fan-out send holding the read lock has
// finished before the close.
func (s *State) RemoveListener(id string) {
	s.listenerMu.Lock()
	ch, ok := s.listeners[id]
	if ok {
		delete(s.listeners, id)
	}
	s.listenerMu.Unlock()
	if ok {
		close(ch)
	}
}
