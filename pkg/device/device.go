// Package device owns the NIC receive ring and transmit slots. The
// primary implementation is a register-level RTL8139 driver written
// against an IOBus port-I/O abstraction, so the same driver runs over an
// emulated bus (tests, hosted mode) or any bus that exposes the register
// file. A raw AF_PACKET backend is available on Linux for driving a real
// interface with the same pipeline.
package device

// Device is the frame transport used by the packet engine. Implementations
// are not safe for concurrent use; the poll loop is the only caller on the
// data path.
type Device interface {
	// PollOnce performs one receive poll. It returns the payload of the
	// next inbound frame and true, or nil and false when the ring is
	// empty or the device is absent. The returned slice is valid only
	// until the next PollOnce call.
	PollOnce() ([]byte, bool)

	// Send transmits one raw frame, best effort. Oversized frames and
	// sends on an absent device are dropped silently; completion is
	// neither awaited nor reported.
	Send(data []byte)

	// MAC returns the hardware address the device answers to.
	MAC() [6]byte

	// Present reports whether the device was found and initialized.
	Present() bool

	// Stats returns data-path counters.
	Stats() Stats

	Close() error
}

// Stats holds device data-path counters.
type Stats struct {
	RxFrames   uint64 // frames handed to the caller
	RxInvalid  uint64 // ring entries skipped (bad status or length)
	TxFrames   uint64 // frames programmed for transmit
	TxDropped  uint64 // sends rejected (oversize or device absent)
	RingPolls  uint64 // PollOnce calls that reached the hardware
}

// MaxFrameSize is the largest payload accepted for transmit, and the
// upper bound on believable inbound lengths.
const MaxFrameSize = 1500

// EthernetSlack covers the link header and FCS that a real interface
// carries beyond the payload budget.
const EthernetSlack = 18
