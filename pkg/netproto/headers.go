// Package netproto implements the fixed-layout wire format spoken by the
// frame engine: Ethernet II, IPv4 without options (IHL=5), and TCP without
// options (data offset=5). Headers are parsed as views over frame bytes
// with explicit length checks and marshalled big-endian into caller-owned
// buffers; nothing here allocates per packet.
package netproto

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Header sizes and protocol identifiers.
const (
	EthernetHeaderLen = 14
	IPv4HeaderLen     = 20
	TCPHeaderLen      = 20

	EtherTypeIPv4 = 0x0800
	ProtoTCP      = 6
)

// TCP flag bits.
const (
	TCPFin = 0x01
	TCPSyn = 0x02
	TCPRst = 0x04
	TCPPsh = 0x08
	TCPAck = 0x10
	TCPUrg = 0x20
)

// EthernetHeader is a parsed Ethernet II header.
type EthernetHeader struct {
	DstMAC    [6]byte
	SrcMAC    [6]byte
	EtherType uint16
}

// IPv4Header is a parsed 20-byte IPv4 header. Addresses are held in host
// order; Put and ParseIPv4 do the byte-order conversion at the wire.
type IPv4Header struct {
	VersionIHL    uint8
	TOS           uint8
	TotalLength   uint16
	ID            uint16
	FlagsFragment uint16
	TTL           uint8
	Protocol      uint8
	Checksum      uint16
	SrcIP         uint32
	DstIP         uint32
}

// TCPHeader is a parsed 20-byte TCP header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // upper nibble = header length in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
}

// ParseEthernet parses an Ethernet II header from the start of b.
func ParseEthernet(b []byte) (EthernetHeader, error) {
	var h EthernetHeader
	if len(b) < EthernetHeaderLen {
		return h, fmt.Errorf("ethernet header: frame too short: %d bytes", len(b))
	}
	copy(h.DstMAC[:], b[0:6])
	copy(h.SrcMAC[:], b[6:12])
	h.EtherType = binary.BigEndian.Uint16(b[12:14])
	return h, nil
}

// Put writes the header into the first 14 bytes of b.
func (h *EthernetHeader) Put(b []byte) {
	copy(b[0:6], h.DstMAC[:])
	copy(b[6:12], h.SrcMAC[:])
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
}

// ParseIPv4 parses an IPv4 header from the start of b.
func ParseIPv4(b []byte) (IPv4Header, error) {
	var h IPv4Header
	if len(b) < IPv4HeaderLen {
		return h, fmt.Errorf("ipv4 header: truncated: %d bytes", len(b))
	}
	h.VersionIHL = b[0]
	if h.VersionIHL>>4 != 4 {
		return h, fmt.Errorf("ipv4 header: bad version %d", h.VersionIHL>>4)
	}
	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.FlagsFragment = binary.BigEndian.Uint16(b[6:8])
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	h.SrcIP = binary.BigEndian.Uint32(b[12:16])
	h.DstIP = binary.BigEndian.Uint32(b[16:20])
	return h, nil
}

// HeaderLen returns the header length in bytes encoded in VersionIHL.
func (h *IPv4Header) HeaderLen() int {
	return int(h.VersionIHL&0x0f) * 4
}

// Put writes the header into the first 20 bytes of b and fills in the
// header checksum, updating h.Checksum with the computed value.
func (h *IPv4Header) Put(b []byte) {
	b[0] = h.VersionIHL
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsFragment)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10] = 0
	b[11] = 0
	binary.BigEndian.PutUint32(b[12:16], h.SrcIP)
	binary.BigEndian.PutUint32(b[16:20], h.DstIP)
	h.Checksum = Checksum(b[:IPv4HeaderLen])
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
}

// ParseTCP parses a TCP header from the start of b.
func ParseTCP(b []byte) (TCPHeader, error) {
	var h TCPHeader
	if len(b) < TCPHeaderLen {
		return h, fmt.Errorf("tcp header: truncated: %d bytes", len(b))
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	h.DataOffset = b[12]
	h.Flags = b[13]
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.Urgent = binary.BigEndian.Uint16(b[18:20])
	return h, nil
}

// HeaderLen returns the TCP header length in bytes encoded in DataOffset.
func (h *TCPHeader) HeaderLen() int {
	return int(h.DataOffset>>4) * 4
}

// Put writes the header into the first 20 bytes of b with a zero checksum.
// The caller checksums the segment afterwards and stores the result with
// PutTCPChecksum, since the sum covers the payload too.
func (h *TCPHeader) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = h.DataOffset
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	b[16] = 0
	b[17] = 0
	binary.BigEndian.PutUint16(b[18:20], h.Urgent)
}

// PutTCPChecksum stores sum into the checksum field of a marshalled TCP
// header at the start of segment.
func PutTCPChecksum(segment []byte, sum uint16) {
	binary.BigEndian.PutUint16(segment[16:18], sum)
}

// IPToUint32 converts an IPv4 address to its host-order integer form.
// Returns 0 for non-IPv4 addresses.
func IPToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// Uint32ToIP converts a host-order IPv4 integer back to net.IP.
func Uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
