package device

import (
	"encoding/binary"
	"log/slog"
)

// RTL8139 register offsets from the I/O base.
const (
	regIDR0    = 0x00 // MAC address, 6 bytes
	regTSD0    = 0x10 // transmit status, 4 slots of 4 bytes
	regTSAD0   = 0x20 // transmit start address, 4 slots of 4 bytes
	regRBSTART = 0x30 // receive buffer start address
	regCMD     = 0x37 // command register
	regCAPR    = 0x38 // current address of packet read
	regIMR     = 0x3c // interrupt mask
	regISR     = 0x3e // interrupt status
	regTCR     = 0x40 // transmit configuration
	regRCR     = 0x44 // receive configuration
	regCONFIG1 = 0x52
)

// Command register bits.
const (
	cmdBufferEmpty = 0x01
	cmdTxEnable    = 0x04
	cmdRxEnable    = 0x08
	cmdReset       = 0x10
)

// Interrupt bits.
const (
	intROK = 0x01
	intTOK = 0x04
)

// Receive configuration: accept all physical/multicast/broadcast/promisc
// frames, no wrap at the ring end (frames run into the overflow slack).
const rcrAcceptAllNoWrap = 0x0000000f | (1 << 7)

// Standard transmit configuration (max DMA burst, default retry count).
const tcrDefault = 0x03000700

// Per-frame receive status bit.
const rxStatusOK = 0x0001

const (
	// PCI identity of the RTL8139.
	vendorRealtek = 0x10ec
	deviceRTL8139 = 0x8139

	// Ring geometry: 8KB ring plus 16 bytes of header slack plus one
	// max-size frame of overflow area for the no-wrap receive mode.
	ringSize   = 8192
	ringSlack  = 16 + MaxFrameSize
	rxHdrSize  = 4 // 2-byte status, 2-byte length (length includes CRC)
	frameCRC   = 4
	txSlots    = 4
	txSlotSize = 1536

	// caprBias is subtracted from the read cursor when programming CAPR;
	// the chip adds it back internally.
	caprBias = 0x10

	// resetPollBudget bounds the software-reset completion poll. A retry
	// count rather than a timer, so absence detection does not depend on
	// a clock source.
	resetPollBudget = 1000
)

// IOBus models the bus-scan and port-I/O surface the driver runs against,
// plus the shared-memory mapping that stands in for DMA address setup.
type IOBus interface {
	// FindDevice scans the bus for a device by PCI identity and returns
	// its I/O base.
	FindDevice(vendor, device uint16) (ioBase uint32, ok bool)

	Inb(port uint32) uint8
	Outb(port uint32, v uint8)
	Inw(port uint32) uint16
	Outw(port uint32, v uint16)
	Inl(port uint32) uint32
	Outl(port uint32, v uint32)

	// MapRxRing hands the receive ring memory to the device; the analogue
	// of programming RBSTART with a physical address.
	MapRxRing(buf []byte)

	// MapTxSlot hands one transmit slot's memory to the device; the
	// analogue of programming TSAD with a physical address.
	MapTxSlot(slot int, buf []byte)
}

// RTL8139 is a register-level driver for the RTL8139 receive ring and
// transmit slots. All state is owned by the struct; nothing is global.
type RTL8139 struct {
	bus     IOBus
	ioBase  uint32
	present bool
	mac     [6]byte

	rxBuf    []byte
	rxOffset uint16 // read cursor into the ring, always in [0, ringSize)

	txBufs    [txSlots][]byte
	txCurrent int

	scratch []byte // frame returned by PollOnce, reused across calls

	stats Stats
}

// NewRTL8139 locates the NIC on the bus and brings it up. If the device
// is not found, or its reset never completes within the retry budget, the
// returned driver is in the absent state and every operation is a no-op;
// the rest of the system proceeds without networking.
func NewRTL8139(bus IOBus) *RTL8139 {
	d := &RTL8139{
		bus:     bus,
		rxBuf:   make([]byte, ringSize+ringSlack),
		scratch: make([]byte, MaxFrameSize),
	}
	for i := range d.txBufs {
		d.txBufs[i] = make([]byte, txSlotSize)
	}

	ioBase, ok := bus.FindDevice(vendorRealtek, deviceRTL8139)
	if !ok {
		slog.Warn("RTL8139 not found on bus, networking disabled")
		return d
	}
	d.ioBase = ioBase

	// Power on, then software reset with a bounded completion poll.
	bus.Outb(ioBase+regCONFIG1, 0x00)
	bus.Outb(ioBase+regCMD, cmdReset)
	cleared := false
	for i := 0; i < resetPollBudget; i++ {
		if bus.Inb(ioBase+regCMD)&cmdReset == 0 {
			cleared = true
			break
		}
	}
	if !cleared {
		slog.Warn("RTL8139 reset did not complete, treating device as absent",
			"polls", resetPollBudget)
		return d
	}

	// Install the receive ring and zero the read cursor.
	bus.MapRxRing(d.rxBuf)
	bus.Outl(ioBase+regRBSTART, 0)
	bus.Outw(ioBase+regCAPR, 0)
	d.rxOffset = 0

	// Map transmit slots.
	for i := range d.txBufs {
		bus.MapTxSlot(i, d.txBufs[i])
		bus.Outl(ioBase+regTSAD0+uint32(i)*4, uint32(i))
	}

	// Unmask receive/transmit interrupts, accept all traffic, enable
	// receive and transmit.
	bus.Outw(ioBase+regIMR, intROK|intTOK)
	bus.Outl(ioBase+regRCR, rcrAcceptAllNoWrap)
	bus.Outl(ioBase+regTCR, tcrDefault)
	bus.Outb(ioBase+regCMD, cmdRxEnable|cmdTxEnable)

	for i := 0; i < 6; i++ {
		d.mac[i] = bus.Inb(ioBase + regIDR0 + uint32(i))
	}

	d.present = true
	slog.Info("RTL8139 initialized",
		"io_base", ioBase, "mac", macString(d.mac))
	return d
}

// PollOnce acknowledges pending interrupts and consumes at most one frame
// from the receive ring. The cursor always advances past the current
// entry — even one judged invalid — rounded up to 4-byte alignment and
// wrapped modulo the ring size, and the adjusted pointer is written back
// to CAPR. A corrupt length can therefore desynchronize the cursor; the
// driver does not attempt recovery.
func (d *RTL8139) PollOnce() ([]byte, bool) {
	if !d.present {
		return nil, false
	}
	d.stats.RingPolls++

	if isr := d.bus.Inw(d.ioBase + regISR); isr != 0 {
		d.bus.Outw(d.ioBase+regISR, isr)
	}

	if d.bus.Inb(d.ioBase+regCMD)&cmdBufferEmpty != 0 {
		return nil, false
	}

	// Per-frame header: 2-byte status, 2-byte length, little-endian as
	// laid down by the chip. Length includes the trailing CRC.
	status := binary.LittleEndian.Uint16(d.rxBuf[d.rxOffset:])
	length := binary.LittleEndian.Uint16(d.rxBuf[d.rxOffset+2:])

	var frame []byte
	if status&rxStatusOK != 0 && length > frameCRC && length < MaxFrameSize {
		n := int(length) - frameCRC
		copy(d.scratch[:n], d.rxBuf[int(d.rxOffset)+rxHdrSize:int(d.rxOffset)+rxHdrSize+n])
		frame = d.scratch[:n]
		d.stats.RxFrames++
	} else {
		d.stats.RxInvalid++
	}

	// Advance past header+frame, 4-byte aligned, wrapped at the ring end.
	d.rxOffset = (d.rxOffset + length + rxHdrSize + 3) &^ 3
	if d.rxOffset >= ringSize {
		d.rxOffset -= ringSize
	}
	d.bus.Outw(d.ioBase+regCAPR, d.rxOffset-caprBias)

	return frame, frame != nil
}

// Send copies data into the next transmit slot and programs the slot's
// status register to start the hardware send. Slots are claimed round
// robin without waiting for completion: the oldest in-flight buffer is
// overwritten on the fifth consecutive send.
func (d *RTL8139) Send(data []byte) {
	if !d.present || len(data) > MaxFrameSize {
		d.stats.TxDropped++
		return
	}
	copy(d.txBufs[d.txCurrent], data)
	d.bus.Outl(d.ioBase+regTSAD0+uint32(d.txCurrent)*4, uint32(d.txCurrent))
	d.bus.Outl(d.ioBase+regTSD0+uint32(d.txCurrent)*4, uint32(len(data)))
	d.txCurrent = (d.txCurrent + 1) % txSlots
	d.stats.TxFrames++
}

// MAC returns the station address read from IDR0..IDR5.
func (d *RTL8139) MAC() [6]byte { return d.mac }

// Present reports whether the NIC was found and reset successfully.
func (d *RTL8139) Present() bool { return d.present }

// Stats returns a copy of the data-path counters.
func (d *RTL8139) Stats() Stats { return d.stats }

// TxSlot returns the slot index the next Send will claim.
func (d *RTL8139) TxSlot() int { return d.txCurrent }

// RxCursor returns the current read cursor into the receive ring.
func (d *RTL8139) RxCursor() uint16 { return d.rxOffset }

// Close releases nothing for the register model but satisfies Device.
func (d *RTL8139) Close() error { return nil }

func macString(mac [6]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, 17)
	for i, b := range mac {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hex[b>>4], hex[b&0x0f])
	}
	return string(out)
}
