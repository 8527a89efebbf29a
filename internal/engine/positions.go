package engine

import "sync"

// PositionSet is the in-memory mapping from execution venue ticket to
// trade_id, shared between the engine (adds on open, removes on close) and
// the reconciler (seeds at startup, removes on externally detected closes).
// It is a conservative view: a ticket may linger here after the venue closed
// the position; the reconciler's next tick clears it.
type PositionSet struct {
	mu       sync.RWMutex
	byTicket map[string]string
}

// NewPositionSet returns an empty set.
func NewPositionSet() *PositionSet {
	return &PositionSet{byTicket: make(map[string]string)}
}

// Add tracks a ticket. tradeID may be empty when the owning trade is not
// known yet (seeded from the venue with no matching store record).
func (s *PositionSet) Add(ticket, tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTicket[ticket] = tradeID
}

// Remove stops tracking a ticket. Removing an unknown ticket is a no-op.
func (s *PositionSet) Remove(ticket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTicket, ticket)
}

// TradeID returns the trade tracked for ticket, and whether it is tracked.
func (s *PositionSet) TradeID(ticket string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTicket[ticket]
	return id, ok
}

// Has reports whether the ticket is tracked.
func (s *PositionSet) Has(ticket string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byTicket[ticket]
	return ok
}

// Tickets returns a snapshot of the tracked tickets.
func (s *PositionSet) Tickets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byTicket))
	for t := range s.byTicket {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tracked tickets.
func (s *PositionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTicket)
}
