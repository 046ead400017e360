package eslrelay

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// JitterBuffer reorders incoming RTP packets by sequence number and
// releases them once a minimum buffering delay has elapsed, smoothing
// network jitter on the PCMU @8kHz RTP-mode media plane. Packets arriving
// after their slot has already been released are dropped.
type JitterBuffer struct {
	mu       sync.Mutex
	packets  []*rtp.Packet
	minDelay time.Duration
	maxDelay time.Duration
	target   time.Duration
	frameDur time.Duration

	nextSeq    uint16
	haveFirst  bool
	arrivalAt  map[uint16]time.Time
}

// JitterConfig tunes buffering delay; zero fields take the defaults in
// setDefaults.
type JitterConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Target   time.Duration
	FrameDur time.Duration // duration represented by one packet, e.g. 20ms for PCMU
}

func (c *JitterConfig) setDefaults() {
	if c.MinDelay <= 0 {
		c.MinDelay = 20 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 200 * time.Millisecond
	}
	if c.Target <= 0 {
		c.Target = 60 * time.Millisecond
	}
	if c.FrameDur <= 0 {
		c.FrameDur = 20 * time.Millisecond
	}
}

// NewJitterBuffer builds a buffer with the given tuning.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	cfg.setDefaults()
	return &JitterBuffer{
		minDelay:  cfg.MinDelay,
		maxDelay:  cfg.MaxDelay,
		target:    cfg.Target,
		frameDur:  cfg.FrameDur,
		arrivalAt: make(map[uint16]time.Time),
	}
}

// Push inserts an arriving packet, keeping the buffer sorted by sequence
// number. Packets older than nextSeq (already released) are dropped.
func (j *JitterBuffer) Push(pkt *rtp.Packet) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.haveFirst && seqLess(pkt.SequenceNumber, j.nextSeq) {
		return // late arrival, already played out
	}
	if !j.haveFirst && (len(j.packets) == 0 || seqLess(pkt.SequenceNumber, j.nextSeq)) {
		// Nothing released yet: playout starts at the lowest sequence seen.
		j.nextSeq = pkt.SequenceNumber
	}

	j.packets = append(j.packets, pkt)
	j.arrivalAt[pkt.SequenceNumber] = time.Now()
	sort.Slice(j.packets, func(a, b int) bool {
		return seqLess(j.packets[a].SequenceNumber, j.packets[b].SequenceNumber)
	})

	// Bound memory: drop the oldest packet once buffered span exceeds
	// maxDelay worth of frames.
	maxPackets := int(j.maxDelay/j.frameDur) + 1
	for len(j.packets) > maxPackets {
		stale := j.packets[0]
		j.packets = j.packets[1:]
		delete(j.arrivalAt, stale.SequenceNumber)
	}
}

// Pop returns the next packet in sequence once it has waited at least
// target delay, or nil if nothing is ready yet. Missing packets (a gap at
// nextSeq) are skipped once maxDelay has elapsed for the packet behind
// them, so one lost packet doesn't stall the stream indefinitely.
func (j *JitterBuffer) Pop() *rtp.Packet {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.packets) == 0 {
		return nil
	}
	head := j.packets[0]
	if head.SequenceNumber != j.nextSeq {
		// Gap: if we've waited past maxDelay for this slot, skip ahead.
		if arrived, ok := j.arrivalAt[head.SequenceNumber]; ok && time.Since(arrived) < j.maxDelay {
			return nil
		}
		j.nextSeq = head.SequenceNumber
	}
	if time.Since(j.arrivalAt[head.SequenceNumber]) < j.target {
		return nil
	}

	j.packets = j.packets[1:]
	delete(j.arrivalAt, head.SequenceNumber)
	j.nextSeq++
	j.haveFirst = true
	return head
}

func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
