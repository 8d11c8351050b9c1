package device

import (
	"encoding/binary"
	"sync"
)

// MemBus is an in-memory IOBus that behaves like an RTL8139: it honors
// the reset handshake, maintains the buffer-empty flag against CAPR, and
// lands injected frames in the mapped receive ring exactly as the chip
// would. It backs the driver in tests and in hosted (no hardware) mode.
type MemBus struct {
	mu sync.Mutex

	present    bool
	stuckReset bool // reset bit never clears; exercises the poll budget
	ioBase     uint32
	mac        [6]byte

	cmd      uint8
	isr      uint16
	imr      uint16
	capr     uint16
	resetTTL int // reads of CMD remaining before reset completes

	ring     []byte
	writePos int

	txSlots [txSlots][]byte
	sent    [][]byte
}

// MemBusOption mutates a MemBus under construction.
type MemBusOption func(*MemBus)

// WithAbsentDevice makes the bus scan fail, simulating a missing NIC.
func WithAbsentDevice() MemBusOption {
	return func(b *MemBus) { b.present = false }
}

// WithStuckReset makes the reset bit never clear, simulating a hung chip.
func WithStuckReset() MemBusOption {
	return func(b *MemBus) { b.stuckReset = true }
}

// NewMemBus creates an emulated bus carrying one RTL8139 with the given
// station address.
func NewMemBus(mac [6]byte, opts ...MemBusOption) *MemBus {
	b := &MemBus{
		present: true,
		ioBase:  0xc000,
		mac:     mac,
		cmd:     cmdBufferEmpty,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FindDevice implements IOBus.
func (b *MemBus) FindDevice(vendor, device uint16) (uint32, bool) {
	if !b.present || vendor != vendorRealtek || device != deviceRTL8139 {
		return 0, false
	}
	return b.ioBase, true
}

// Inb implements IOBus.
func (b *MemBus) Inb(port uint32) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := port - b.ioBase
	switch {
	case reg >= regIDR0 && reg < regIDR0+6:
		return b.mac[reg-regIDR0]
	case reg == regCMD:
		if b.stuckReset {
			return cmdReset
		}
		if b.resetTTL > 0 {
			b.resetTTL--
			return cmdReset
		}
		return b.cmd
	}
	return 0
}

// Outb implements IOBus.
func (b *MemBus) Outb(port uint32, v uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := port - b.ioBase
	switch reg {
	case regCMD:
		if v&cmdReset != 0 {
			b.resetTTL = 2
			b.writePos = 0
			b.capr = 0
			b.cmd = cmdBufferEmpty
			return
		}
		// Enable bits; preserve the hardware-owned buffer-empty flag.
		b.cmd = v&^cmdBufferEmpty | b.cmd&cmdBufferEmpty
	case regCONFIG1:
		// Power state, nothing to emulate.
	}
}

// Inw implements IOBus.
func (b *MemBus) Inw(port uint32) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch port - b.ioBase {
	case regISR:
		return b.isr
	case regIMR:
		return b.imr
	case regCAPR:
		return b.capr
	}
	return 0
}

// Outw implements IOBus.
func (b *MemBus) Outw(port uint32, v uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch port - b.ioBase {
	case regISR:
		b.isr &^= v // writing 1s acknowledges
	case regIMR:
		b.imr = v
	case regCAPR:
		b.capr = v
		// The chip reads from CAPR+0x10; the ring is empty when the
		// software cursor has caught up with the hardware write position.
		if int(b.capr+caprBias)%ringSize == b.writePos {
			b.cmd |= cmdBufferEmpty
		}
	}
}

// Inl implements IOBus.
func (b *MemBus) Inl(port uint32) uint32 { return 0 }

// Outl implements IOBus.
func (b *MemBus) Outl(port uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := port - b.ioBase
	if reg >= regTSD0 && reg < regTSD0+txSlots*4 && (reg-regTSD0)%4 == 0 {
		slot := int(reg-regTSD0) / 4
		if buf := b.txSlots[slot]; buf != nil && v > 0 && int(v) <= len(buf) {
			frame := make([]byte, v)
			copy(frame, buf[:v])
			b.sent = append(b.sent, frame)
			b.isr |= intTOK
		}
	}
}

// MapRxRing implements IOBus.
func (b *MemBus) MapRxRing(buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = buf
	b.writePos = 0
}

// MapTxSlot implements IOBus.
func (b *MemBus) MapTxSlot(slot int, buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot >= 0 && slot < txSlots {
		b.txSlots[slot] = buf
	}
}

// InjectFrame lands one inbound frame in the receive ring the way the
// chip does: a little-endian (status, length) header followed by the
// frame, length counting the 4-byte CRC, the write position advanced
// with 4-byte alignment and wrapped at the ring end.
func (b *MemBus) InjectFrame(payload []byte) {
	b.InjectRaw(rxStatusOK, uint16(len(payload)+frameCRC), payload)
}

// InjectRaw lands a frame with an arbitrary status and length header.
// Tests use it to present corrupt ring entries.
func (b *MemBus) InjectRaw(status, length uint16, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil {
		return
	}
	binary.LittleEndian.PutUint16(b.ring[b.writePos:], status)
	binary.LittleEndian.PutUint16(b.ring[b.writePos+2:], length)
	copy(b.ring[b.writePos+rxHdrSize:], payload)

	b.writePos = (b.writePos + rxHdrSize + int(length) + 3) &^ 3
	if b.writePos >= ringSize {
		b.writePos %= ringSize
	}
	b.cmd &^= cmdBufferEmpty
	b.isr |= intROK
}

// Sent returns the frames transmitted so far, oldest first.
func (b *MemBus) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.sent))
	copy(out, b.sent)
	return out
}

// ClearSent discards the recorded transmit history.
func (b *MemBus) ClearSent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}
