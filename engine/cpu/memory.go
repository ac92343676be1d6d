// Package cpu realises "the CPU" a real Miralis traps against: a small
// software RV64 hart that executes firmware/payload instructions
// directly against a flat physical memory buffer, and reports back to
// the trap dispatcher the moment it would have trapped on real
// silicon. There is no MMU here — address translation virtualisation
// is an explicit non-goal, so every access is already physical.
package cpu

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Memory is the single flat physical address space firmware, payload
// and Miralis' own simulated footprint share, backed by an anonymous
// mmap exactly as the teacher backs a guest's physical RAM.
type Memory struct {
	mem []byte
}

// NewMemory allocates a zeroed physical memory buffer of size bytes.
func NewMemory(size int) *Memory {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(fmt.Errorf("cpu: mmap physical memory: %v", err))
	}
	return &Memory{mem: mem}
}

func (m *Memory) Len() uint64 { return uint64(len(m.mem)) }

func (m *Memory) inBounds(addr uint64, width int) bool {
	return addr+uint64(width) <= uint64(len(m.mem))
}

func (m *Memory) LoadAt(addr uint64, data []byte) {
	copy(m.mem[addr:], data)
}

func (m *Memory) Bytes(addr, size uint64) []byte {
	return m.mem[addr : addr+size]
}

func (m *Memory) ReadByte(addr uint64) (byte, error) {
	if !m.inBounds(addr, 1) {
		return 0, fmt.Errorf("cpu: load fault at %#x", addr)
	}
	return m.mem[addr], nil
}

func (m *Memory) WriteByte(addr uint64, v byte) error {
	if !m.inBounds(addr, 1) {
		return fmt.Errorf("cpu: store fault at %#x", addr)
	}
	m.mem[addr] = v
	return nil
}

func (m *Memory) ReadUint16(addr uint64) (uint16, error) {
	if !m.inBounds(addr, 2) {
		return 0, fmt.Errorf("cpu: load fault at %#x", addr)
	}
	return binary.LittleEndian.Uint16(m.mem[addr:]), nil
}

func (m *Memory) WriteUint16(addr uint64, v uint16) error {
	if !m.inBounds(addr, 2) {
		return fmt.Errorf("cpu: store fault at %#x", addr)
	}
	binary.LittleEndian.PutUint16(m.mem[addr:], v)
	return nil
}

func (m *Memory) ReadUint32(addr uint64) (uint32, error) {
	if !m.inBounds(addr, 4) {
		return 0, fmt.Errorf("cpu: load fault at %#x", addr)
	}
	return binary.LittleEndian.Uint32(m.mem[addr:]), nil
}

func (m *Memory) WriteUint32(addr uint64, v uint32) error {
	if !m.inBounds(addr, 4) {
		return fmt.Errorf("cpu: store fault at %#x", addr)
	}
	binary.LittleEndian.PutUint32(m.mem[addr:], v)
	return nil
}

func (m *Memory) ReadUint64(addr uint64) (uint64, error) {
	if !m.inBounds(addr, 8) {
		return 0, fmt.Errorf("cpu: load fault at %#x", addr)
	}
	return binary.LittleEndian.Uint64(m.mem[addr:]), nil
}

func (m *Memory) WriteUint64(addr uint64, v uint64) error {
	if !m.inBounds(addr, 8) {
		return fmt.Errorf("cpu: store fault at %#x", addr)
	}
	binary.LittleEndian.PutUint64(m.mem[addr:], v)
	return nil
}

func (m *Memory) Free() {
	if m.mem != nil {
		unix.Munmap(m.mem)
		m.mem = nil
	}
}
