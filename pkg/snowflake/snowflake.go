package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ID layout: 41 bits timestamp (ms since epoch) | 10 bits machine | 12 bits sequence.
// Gives ~69 years of timestamps, 1024 machines and 4096 IDs per ms per machine.
const (
	// DefaultEpoch is 2023-01-01 00:00:00 UTC in milliseconds
	DefaultEpoch int64 = 1672531200000

	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1  // 1023
	sequenceMask = (1 << sequenceBits) - 1 // 4095

	timestampShift = machineBits + sequenceBits
)

// Generator produces unique, monotonically increasing 64-bit IDs
type Generator struct {
	mu        sync.Mutex
	epoch     int64
	machineID int64
	sequence  int64
	lastTS    int64

	now func() int64
}

// NewGenerator creates a generator for the given machine ID (0-1023)
func NewGenerator(machineID int64) (*Generator, error) {
	return NewGeneratorWithEpoch(machineID, DefaultEpoch)
}

// NewGeneratorWithEpoch creates a generator with a custom epoch in milliseconds
func NewGeneratorWithEpoch(machineID, epoch int64) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("machine ID must be between 0 and %d, got %d", maxMachineID, machineID)
	}
	return &Generator{
		epoch:     epoch,
		machineID: machineID,
		lastTS:    -1,
		now:       func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID generates the next ID. Within one millisecond the sequence
// increases; on sequence wrap or clock regression the generator spins
// until the clock advances, so IDs never go backwards.
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()

	// Clock moved backwards: wait it out instead of emitting a dup
	for ts < g.lastTS {
		ts = g.now()
	}

	if ts > g.lastTS {
		g.sequence = 0
	} else {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for ts <= g.lastTS {
				ts = g.now()
			}
		}
	}

	g.lastTS = ts

	return ((ts - g.epoch) << timestampShift) |
		(g.machineID << sequenceBits) |
		g.sequence
}

// NextString generates the next ID as a decimal string
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.NextID(), 10)
}

var (
	defaultGen *Generator
	defaultMu  sync.Mutex
)

// Init configures the process-wide generator. Call once at startup
// before any Generate call.
func Init(machineID int64) error {
	gen, err := NewGenerator(machineID)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultGen = gen
	defaultMu.Unlock()
	return nil
}

// Generate returns a new ID string from the process-wide generator,
// lazily initializing machine 0 if Init was never called.
func Generate() string {
	defaultMu.Lock()
	if defaultGen == nil {
		defaultGen, _ = NewGenerator(0)
	}
	gen := defaultGen
	defaultMu.Unlock()
	return gen.NextString()
}
