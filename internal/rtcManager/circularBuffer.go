package rtcManager

import (
	"sync"
	"time"

	"github.com/mikeyg42/videolify/internal/quality"
)

// SampleRing keeps the most recent quality samples with a fixed capacity.
type SampleRing struct {
	mu       sync.RWMutex
	data     []quality.Sample
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

// NewSampleRing creates a ring holding at most capacity samples.
func NewSampleRing(capacity int) *SampleRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &SampleRing{
		data:     make([]quality.Sample, capacity),
		capacity: capacity,
	}
}

// Add stores s, overwriting the oldest sample when full.
func (r *SampleRing) Add(s quality.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// Recent returns up to n samples, newest first.
func (r *SampleRing) Recent(n int) []quality.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n = min(n, r.size)
	out := make([]quality.Sample, n)
	pos := (r.head - 1 + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out[i] = r.data[pos]
		pos = (pos - 1 + r.capacity) % r.capacity
	}
	return out
}

// All returns every sample in chronological order.
func (r *SampleRing) All() []quality.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	out := make([]quality.Sample, r.size)
	cur := r.tail
	for i := range out {
		out[i] = r.data[cur]
		cur = (cur + 1) % r.capacity
	}
	return out
}

func (r *SampleRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *SampleRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size, r.head, r.tail = 0, 0, 0
}

// Summary aggregates the samples in the ring.
type Summary struct {
	Samples     int
	From, To    time.Time
	AvgKbps     int
	MaxLoss     float64
	AvgLoss     float64
	AvgRTT      time.Duration
	MaxRTT      time.Duration
	AvgFPS      float64
	CPULimited  int // samples flagged CPU limited
	PeakCapture quality.Resolution
}

// Summary computes averages and peaks over the ring's contents.
func (r *SampleRing) Summary() Summary {
	all := r.All()
	sum := Summary{Samples: len(all)}
	if len(all) == 0 {
		return sum
	}
	sum.From, sum.To = all[0].At, all[len(all)-1].At

	var kbps int
	var rtt time.Duration
	for _, s := range all {
		kbps += s.BitrateKbps
		rtt += s.RTT
		sum.AvgLoss += s.PacketLoss
		sum.AvgFPS += s.FPS
		sum.MaxLoss = max(sum.MaxLoss, s.PacketLoss)
		sum.MaxRTT = max(sum.MaxRTT, s.RTT)
		if s.CPULimited {
			sum.CPULimited++
		}
		if s.Capture.Pixels() > sum.PeakCapture.Pixels() {
			sum.PeakCapture = s.Capture
		}
	}
	n := len(all)
	sum.AvgKbps = kbps / n
	sum.AvgRTT = rtt / time.Duration(n)
	sum.AvgLoss /= float64(n)
	sum.AvgFPS /= float64(n)
	return sum
}
