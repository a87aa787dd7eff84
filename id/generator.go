package id

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	logicalBits  = 16
	instanceBits = 6
	logicalMask  = 1<<logicalBits - 1
	instanceMask = 1<<instanceBits - 1
)

// Generator provides unique, roughly time-ordered IDs. They tag tree
// lineages and replication sessions.
type Generator interface {
	NextID() uint64
}

// ClockGenerator derives IDs from the wall clock.
// Format: (physical_ms << 22) | (instance << 16) | logical
// The logical counter resets every millisecond; when it overflows the
// generator waits for the next millisecond. The clock never goes backwards.
type ClockGenerator struct {
	instance uint64
	lastMS   int64
	logical  uint64
	mu       sync.Mutex
}

// NewClockGenerator creates a generator for instance (only its low 6 bits
// are kept).
func NewClockGenerator(instance uint64) *ClockGenerator {
	return &ClockGenerator{instance: instance & instanceMask}
}

// NextID generates a unique 64-bit ID.
func (g *ClockGenerator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	if nowMS > g.lastMS {
		g.lastMS = nowMS
		g.logical = 0
	}

	for g.logical >= logicalMask {
		time.Sleep(100 * time.Microsecond)
		if ms := time.Now().UnixMilli(); ms > g.lastMS {
			g.lastMS = ms
			g.logical = 0
		}
	}

	g.logical++
	return uint64(g.lastMS)<<(logicalBits+instanceBits) | g.instance<<logicalBits | g.logical
}

// Timestamp extracts the millisecond part of an ID.
func Timestamp(id uint64) time.Time {
	return time.UnixMilli(int64(id >> (logicalBits + instanceBits)))
}

var defaultGen atomic.Pointer[ClockGenerator]

func init() {
	defaultGen.Store(NewClockGenerator(0))
}

// SetInstance replaces the process wide generator; called once at startup
// with the configured instance ID.
func SetInstance(instance uint64) {
	defaultGen.Store(NewClockGenerator(instance))
}

// Next returns an ID from the process wide generator.
func Next() uint64 {
	return defaultGen.Load().NextID()
}
