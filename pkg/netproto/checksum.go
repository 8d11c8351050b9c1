package netproto

// Checksum computes the Internet ones-complement checksum (RFC 1071)
// over data. 16-bit big-endian words are summed, an odd trailing byte is
// padded on the right, and carries are folded until none remain.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// PseudoChecksum computes the RFC 793 TCP checksum over segment including
// the IPv4 pseudo-header (source, destination, protocol, TCP length).
// The engine emits this only when configured for standards-compliant
// checksums; the default wire format checksums the segment alone.
func PseudoChecksum(srcIP, dstIP uint32, segment []byte) uint16 {
	var sum uint32
	sum += srcIP >> 16
	sum += srcIP & 0xffff
	sum += dstIP >> 16
	sum += dstIP & 0xffff
	sum += ProtoTCP
	sum += uint32(len(segment))

	for i := 0; i+1 < len(segment); i += 2 {
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if len(segment)%2 != 0 {
		sum += uint32(segment[len(segment)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
