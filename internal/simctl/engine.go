package simctl

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBadDimensions = errors.New("simctl: dimensions out of range")
	ErrOutOfBounds   = errors.New("simctl: cell out of bounds")
)

// MaxDimension caps the world grid on either axis.
const MaxDimension = 4096

// Engine holds the authoritative simulation state the command set mutates.
// The transport's read loop is the only writer during normal operation, but
// the stepper goroutine reads concurrently, so everything stays behind mu.
type Engine struct {
	mu       sync.Mutex
	width    uint32
	height   uint32
	cells    map[uint64]string
	gravity  uint32
	tickRate uint32
	paused   bool
	running  bool
	tick     uint64
}

// NewEngine builds an engine with the given grid dimensions.
func NewEngine(width, height uint32) (*Engine, error) {
	if width == 0 || height == 0 || width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	return &Engine{
		width:    width,
		height:   height,
		cells:    make(map[uint64]string),
		gravity:  9810,
		tickRate: 60,
		running:  true,
	}, nil
}

func cellKey(x, y uint32) uint64 { return uint64(x)<<32 | uint64(y) }

// SetCell places material at (x, y). Empty material clears the cell.
func (e *Engine) SetCell(x, y uint32, material string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if x >= e.width || y >= e.height {
		return fmt.Errorf("%w: (%d, %d) in %dx%d", ErrOutOfBounds, x, y, e.width, e.height)
	}
	if material == "" {
		delete(e.cells, cellKey(x, y))
		return nil
	}
	e.cells[cellKey(x, y)] = material
	return nil
}

// Resize changes the grid dimensions and drops cells that fall outside the
// new bounds.
func (e *Engine) Resize(width, height uint32) error {
	if width == 0 || height == 0 || width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.width, e.height = width, height
	for key := range e.cells {
		if uint32(key>>32) >= width || uint32(key&0xffffffff) >= height {
			delete(e.cells, key)
		}
	}
	return nil
}

// ApplySettings tunes the stepper. A zero tick rate keeps the current one.
func (e *Engine) ApplySettings(gravityMilli uint32, paused bool, tickRate uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gravity = gravityMilli
	e.paused = paused
	if tickRate > 0 {
		e.tickRate = tickRate
	}
}

// Step advances the simulation one tick unless paused.
func (e *Engine) Step() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || !e.running {
		return
	}
	e.tick++
}

// Status snapshots the stepper state.
func (e *Engine) Status() SimStatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SimStatusResponse{
		Running: e.running && !e.paused,
		Tick:    e.tick,
		Width:   e.width,
		Height:  e.height,
	}
}

// Dimensions returns the current grid size.
func (e *Engine) Dimensions() (uint32, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height
}
