//go:build linux

package device

import (
	"fmt"
	"log/slog"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// AFPacket drives a real network interface through a raw AF_PACKET
// socket, presenting the same Device surface as the register model so
// the pipeline above does not care which one it is running on.
type AFPacket struct {
	fd      int
	ifindex int
	mac     [6]byte
	buf     []byte
	stats   Stats
	closed  bool
}

// NewAFPacket opens a raw socket bound to the named interface. The link
// is resolved through netlink so its index, station address, and
// operational state come from the kernel rather than guesswork.
func NewAFPacket(ifname string) (*AFPacket, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("afpacket: resolve link %q: %w", ifname, err)
	}
	attrs := link.Attrs()
	if attrs.OperState == netlink.OperDown {
		slog.Warn("interface is down, frames will not flow", "interface", ifname)
	}
	if len(attrs.HardwareAddr) < 6 {
		return nil, fmt.Errorf("afpacket: link %q has no hardware address", ifname)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("afpacket: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  attrs.Index,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("afpacket: bind %q: %w", ifname, err)
	}

	// Short receive timeout so PollOnce stays a poll, not a wait.
	tv := unix.Timeval{Usec: 10000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("afpacket: set receive timeout: %w", err)
	}

	d := &AFPacket{
		fd:      fd,
		ifindex: attrs.Index,
		buf:     make([]byte, MaxFrameSize+EthernetSlack),
	}
	copy(d.mac[:], attrs.HardwareAddr[:6])

	slog.Info("AF_PACKET device opened",
		"interface", ifname, "ifindex", attrs.Index,
		"mac", attrs.HardwareAddr, "mtu", attrs.MTU)
	return d, nil
}

// PollOnce reads at most one frame from the socket.
func (d *AFPacket) PollOnce() ([]byte, bool) {
	if d.closed {
		return nil, false
	}
	d.stats.RingPolls++
	n, _, err := unix.Recvfrom(d.fd, d.buf, 0)
	if err != nil {
		// EAGAIN on timeout; anything else is also a quiet no-frame.
		return nil, false
	}
	if n < 14 {
		d.stats.RxInvalid++
		return nil, false
	}
	d.stats.RxFrames++
	return d.buf[:n], true
}

// Send transmits one raw frame to the MAC in its destination field.
func (d *AFPacket) Send(data []byte) {
	if d.closed || len(data) > MaxFrameSize+EthernetSlack || len(data) < 14 {
		d.stats.TxDropped++
		return
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  d.ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:6], data[0:6])
	if err := unix.Sendto(d.fd, data, 0, addr); err != nil {
		d.stats.TxDropped++
		slog.Debug("send failed", "err", err)
		return
	}
	d.stats.TxFrames++
}

// MAC returns the interface hardware address.
func (d *AFPacket) MAC() [6]byte { return d.mac }

// Present always reports true once the socket is open.
func (d *AFPacket) Present() bool { return !d.closed }

// Stats returns data-path counters.
func (d *AFPacket) Stats() Stats { return d.stats }

// Close shuts the socket.
func (d *AFPacket) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

// htons converts a short to network byte order for socket arguments.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
