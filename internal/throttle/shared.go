package throttle

import "sync"

// SharedLimit divides an aggregate limit evenly between the Bandwidths
// currently registered with it.
type SharedLimit struct {
	mu      sync.Mutex
	total   int64
	members map[*Bandwidth]struct{}
}

func NewSharedLimit(total int64) *SharedLimit {
	return &SharedLimit{total: total, members: make(map[*Bandwidth]struct{})}
}

func (s *SharedLimit) Register(b *Bandwidth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[b] = struct{}{}
	s.rebalance()
}

func (s *SharedLimit) Unregister(b *Bandwidth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, b)
	s.rebalance()
}

func (s *SharedLimit) SetLimit(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
	s.rebalance()
}

func (s *SharedLimit) Limit() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *SharedLimit) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// PerMember returns the share each registered Bandwidth gets; 0 means
// unlimited.
func (s *SharedLimit) PerMember() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.share()
}

func (s *SharedLimit) share() int64 {
	if s.total <= 0 || len(s.members) == 0 {
		return s.total
	}
	return max(s.total/int64(len(s.members)), 1)
}

func (s *SharedLimit) rebalance() {
	share := s.share()
	for b := range s.members {
		b.SetBandwidthLimit(share)
	}
}
