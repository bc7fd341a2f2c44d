package regbus

import (
	"fmt"
	"sync"
)

// Write is one recorded register write.
type Write struct {
	Addr  uint32
	Value uint32
}

// MemoryBus is an in-process register file. It stands in for a device in
// tests and dry runs, and is safe for use by several cores at once.
type MemoryBus struct {
	mu     sync.RWMutex
	regs   map[uint32]uint32
	writes []Write

	// injected per-address failures, see Fail
	failAt map[uint32]error
}

func NewMemory() *MemoryBus {
	return &MemoryBus{regs: make(map[uint32]uint32)}
}

func (m *MemoryBus) Poke32(addr, value uint32) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failAt[addr]; ok {
		return err
	}
	m.regs[addr] = value
	m.writes = append(m.writes, Write{Addr: addr, Value: value})
	return nil
}

func (m *MemoryBus) Peek32(addr uint32) (uint32, error) {
	if err := checkAligned(addr); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.failAt[addr]; ok {
		return 0, err
	}
	return m.regs[addr], nil
}

// Fail injects err for every later access to addr. A nil err clears it.
func (m *MemoryBus) Fail(addr uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAt, addr)
		return
	}
	if m.failAt == nil {
		m.failAt = make(map[uint32]error)
	}
	m.failAt[addr] = err
}

// Writes returns a copy of the write log in issue order.
func (m *MemoryBus) Writes() []Write {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Write(nil), m.writes...)
}

// Reset drops all register contents and the write log.
func (m *MemoryBus) Reset() {
	m.mu.Lock()
	m.regs = make(map[uint32]uint32)
	m.writes = nil
	m.mu.Unlock()
}

func (m *MemoryBus) Close() error { return nil }

func checkAligned(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("%w: 0x%08x is not 32-bit aligned", ErrBadAddress, addr)
	}
	return nil
}
