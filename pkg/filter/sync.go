package filter

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raskyld/arbor/pkg/packet"
)

// SyncPolicy decides when packets received from children are handed to
// the upstream transformation.
type SyncPolicy uint8

const (
	// SyncWaitForAll releases a wave once every child peer contributed.
	SyncWaitForAll SyncPolicy = iota
	// SyncDontWait releases packets as they arrive.
	SyncDontWait
	// SyncTimeout waits for all children but releases whatever arrived
	// once the deadline expires.
	SyncTimeout
)

func (s SyncPolicy) String() string {
	switch s {
	case SyncWaitForAll:
		return "wait_for_all"
	case SyncDontWait:
		return "dont_wait"
	case SyncTimeout:
		return "timeout"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch strings.ToLower(s) {
	case "wait_for_all", "waitforall", "":
		return SyncWaitForAll, nil
	case "dont_wait", "dontwait":
		return SyncDontWait, nil
	case "timeout", "time_out":
		return SyncTimeout, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSync, s)
}

// Synchronizer buffers upstream packets per contributing child and
// releases them in waves.
type Synchronizer struct {
	lk      sync.Mutex
	policy  SyncPolicy
	timeout time.Duration

	peers  map[uint32]struct{}
	queues map[uint32][]*packet.Packet

	timer *time.Timer
	// armed identifies the current timer so a late expiry is ignored.
	armed   uint64
	expired func([]*packet.Packet)
	stopped bool
}

// NewSynchronizer creates a synchronizer. With [SyncTimeout], expired is
// invoked from a timer goroutine with the packets released by the
// deadline; a zero timeout makes the policy behave like [SyncDontWait].
func NewSynchronizer(policy SyncPolicy, timeout time.Duration, expired func([]*packet.Packet)) (*Synchronizer, error) {
	switch policy {
	case SyncWaitForAll, SyncDontWait, SyncTimeout:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSync, policy)
	}
	return &Synchronizer{
		policy:  policy,
		timeout: timeout,
		peers:   make(map[uint32]struct{}),
		queues:  make(map[uint32][]*packet.Packet),
		expired: expired,
	}, nil
}

func (s *Synchronizer) Policy() SyncPolicy {
	return s.policy
}

// SetParams reads the timeout, in milliseconds, from the first element
// of a sync parameters packet.
func (s *Synchronizer) SetParams(p *packet.Packet) error {
	ms, err := p.At(0).Int()
	if err != nil {
		return fmt.Errorf("%w: timeout parameter: %w", packet.ErrShape, err)
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	s.timeout = time.Duration(ms) * time.Millisecond
	return nil
}

func (s *Synchronizer) passThrough() bool {
	return s.policy == SyncDontWait || (s.policy == SyncTimeout && s.timeout <= 0)
}

// SetPeers replaces the set of children expected to contribute. Queues of
// children no longer expected are dropped. Waves completed by the change
// are returned.
func (s *Synchronizer) SetPeers(peers []uint32) [][]*packet.Packet {
	s.lk.Lock()
	defer s.lk.Unlock()

	next := make(map[uint32]struct{}, len(peers))
	for _, p := range peers {
		next[p] = struct{}{}
	}
	for r := range s.queues {
		if _, keep := next[r]; !keep {
			delete(s.queues, r)
		}
	}
	s.peers = next
	return s.collectLocked()
}

// RemovePeer stops waiting for rank, typically because it failed.
func (s *Synchronizer) RemovePeer(rank uint32) [][]*packet.Packet {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.peers, rank)
	delete(s.queues, rank)
	return s.collectLocked()
}

// Place buffers packets and returns the waves they complete, in order.
// Packets from ranks which are not peers are dropped, except a lone
// locally sourced packet which goes through unsynchronized.
func (s *Synchronizer) Place(pkts []*packet.Packet) [][]*packet.Packet {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.passThrough() {
		if len(pkts) == 0 {
			return nil
		}
		return [][]*packet.Packet{pkts}
	}

	if len(pkts) == 1 && pkts[0].Source == packet.UnknownSource {
		return [][]*packet.Packet{pkts}
	}

	for _, p := range pkts {
		if _, ok := s.peers[p.Source]; !ok {
			continue
		}
		s.queues[p.Source] = append(s.queues[p.Source], p)
	}
	return s.collectLocked()
}

func (s *Synchronizer) readyLocked() bool {
	if len(s.peers) == 0 {
		return false
	}
	for r := range s.peers {
		if len(s.queues[r]) == 0 {
			return false
		}
	}
	return true
}

func (s *Synchronizer) pendingLocked() bool {
	for _, q := range s.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (s *Synchronizer) collectLocked() [][]*packet.Packet {
	var waves [][]*packet.Packet
	for s.readyLocked() {
		wave := make([]*packet.Packet, 0, len(s.peers))
		for r := range s.peers {
			wave = append(wave, s.queues[r][0])
			s.queues[r] = s.queues[r][1:]
		}
		sortBySource(wave)
		waves = append(waves, wave)
	}

	if s.policy == SyncTimeout {
		if len(waves) > 0 && s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.timer == nil && s.pendingLocked() && !s.stopped {
			s.armed++
			armed := s.armed
			s.timer = time.AfterFunc(s.timeout, func() { s.expire(armed) })
		}
	}
	return waves
}

// expire releases every buffered packet once the deadline fires.
func (s *Synchronizer) expire(armed uint64) {
	s.lk.Lock()
	if armed != s.armed || s.timer == nil {
		s.lk.Unlock()
		return
	}
	s.timer = nil
	var wave []*packet.Packet
	for r, q := range s.queues {
		wave = append(wave, q...)
		delete(s.queues, r)
	}
	stopped := s.stopped
	s.lk.Unlock()

	if len(wave) == 0 || stopped || s.expired == nil {
		return
	}
	sortBySource(wave)
	s.expired(wave)
}

// Pending returns how many packets are buffered.
func (s *Synchronizer) Pending() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Stop cancels the deadline and drops buffered packets.
func (s *Synchronizer) Stop() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	clear(s.queues)
}

// sortBySource orders a wave by rank so transformations see a stable
// input order. Packets of one rank keep their relative order.
func sortBySource(wave []*packet.Packet) {
	slices.SortStableFunc(wave, func(a, b *packet.Packet) int {
		return cmp.Compare(a.Source, b.Source)
	})
}
