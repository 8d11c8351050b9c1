package netproto

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildFrame marshals a full Ethernet+IPv4+TCP frame the way the engine does.
func buildFrame(t *testing.T, payload []byte) []byte {
	t.Helper()

	total := EthernetHeaderLen + IPv4HeaderLen + TCPHeaderLen + len(payload)
	frame := make([]byte, total)

	eth := EthernetHeader{
		DstMAC:    [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcMAC:    [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		EtherType: EtherTypeIPv4,
	}
	eth.Put(frame)

	ip := IPv4Header{
		VersionIHL:  0x45,
		TotalLength: uint16(IPv4HeaderLen + TCPHeaderLen + len(payload)),
		ID:          1234,
		TTL:         64,
		Protocol:    ProtoTCP,
		SrcIP:       0x0a000002, // 10.0.0.2
		DstIP:       0x0a000001, // 10.0.0.1
	}
	ip.Put(frame[EthernetHeaderLen:])

	tcp := TCPHeader{
		SrcPort:    23,
		DstPort:    40000,
		Seq:        1000,
		Ack:        501,
		DataOffset: 0x50,
		Flags:      TCPPsh | TCPAck,
		Window:     8192,
	}
	segment := frame[EthernetHeaderLen+IPv4HeaderLen:]
	tcp.Put(segment)
	copy(segment[TCPHeaderLen:], payload)
	PutTCPChecksum(segment, PseudoChecksum(ip.SrcIP, ip.DstIP, segment))

	return frame
}

// TestFrameDecodesWithGopacket cross-validates the hand-marshalled frame
// against an independent decoder.
func TestFrameDecodesWithGopacket(t *testing.T) {
	payload := []byte("Username: ")
	frame := buildFrame(t, payload)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("gopacket decode error: %v", errLayer.Error())
	}

	ethL, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		t.Fatal("no Ethernet layer decoded")
	}
	if ethL.EthernetType != layers.EthernetTypeIPv4 {
		t.Errorf("ethertype = %v, want IPv4", ethL.EthernetType)
	}
	if !bytes.Equal(ethL.SrcMAC, []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}) {
		t.Errorf("src MAC = %s", ethL.SrcMAC)
	}

	ipL, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatal("no IPv4 layer decoded")
	}
	if !ipL.SrcIP.Equal(net.IPv4(10, 0, 0, 2)) {
		t.Errorf("src IP = %s, want 10.0.0.2", ipL.SrcIP)
	}
	if ipL.TTL != 64 || ipL.Protocol != layers.IPProtocolTCP {
		t.Errorf("TTL/protocol = %d/%v", ipL.TTL, ipL.Protocol)
	}
	if int(ipL.Length) != IPv4HeaderLen+TCPHeaderLen+len(payload) {
		t.Errorf("total length = %d", ipL.Length)
	}

	tcpL, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatal("no TCP layer decoded")
	}
	if tcpL.SrcPort != 23 || tcpL.DstPort != 40000 {
		t.Errorf("ports = %d->%d", tcpL.SrcPort, tcpL.DstPort)
	}
	if !tcpL.PSH || !tcpL.ACK || tcpL.SYN {
		t.Errorf("flags PSH=%v ACK=%v SYN=%v", tcpL.PSH, tcpL.ACK, tcpL.SYN)
	}
	if uint32(tcpL.Seq) != 1000 || uint32(tcpL.Ack) != 501 {
		t.Errorf("seq/ack = %d/%d", tcpL.Seq, tcpL.Ack)
	}
	if !bytes.Equal(tcpL.Payload, payload) {
		t.Errorf("payload = %q", tcpL.Payload)
	}
}

// TestChecksumsMatchGopacket checks the IPv4 header checksum and the
// pseudo-header TCP checksum against gopacket's serializer.
func TestChecksumsMatchGopacket(t *testing.T) {
	payload := []byte("\nWelcome!\n> ")
	frame := buildFrame(t, payload)

	ipRef := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       1234,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 2).To4(),
		DstIP:    net.IPv4(10, 0, 0, 1).To4(),
	}
	tcpRef := &layers.TCP{
		SrcPort:    23,
		DstPort:    40000,
		Seq:        1000,
		Ack:        501,
		DataOffset: 5,
		PSH:        true,
		ACK:        true,
		Window:     8192,
	}
	if err := tcpRef.SetNetworkLayerForChecksum(ipRef); err != nil {
		t.Fatal(err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ipRef, tcpRef, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	ref := buf.Bytes()

	ours := frame[EthernetHeaderLen:]
	if !bytes.Equal(ours[10:12], ref[10:12]) {
		t.Errorf("IPv4 checksum %x differs from gopacket %x", ours[10:12], ref[10:12])
	}
	if !bytes.Equal(ours[IPv4HeaderLen+16:IPv4HeaderLen+18], ref[IPv4HeaderLen+16:IPv4HeaderLen+18]) {
		t.Errorf("TCP pseudo-header checksum %x differs from gopacket %x",
			ours[IPv4HeaderLen+16:IPv4HeaderLen+18], ref[IPv4HeaderLen+16:IPv4HeaderLen+18])
	}
}

func TestParseRoundTrip(t *testing.T) {
	frame := buildFrame(t, []byte("hello"))

	eth, err := ParseEthernet(frame)
	if err != nil {
		t.Fatal(err)
	}
	if eth.EtherType != EtherTypeIPv4 {
		t.Errorf("ethertype = 0x%04x", eth.EtherType)
	}

	ip, err := ParseIPv4(frame[EthernetHeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if ip.HeaderLen() != IPv4HeaderLen {
		t.Errorf("IP header len = %d", ip.HeaderLen())
	}
	if ip.SrcIP != 0x0a000002 || ip.DstIP != 0x0a000001 {
		t.Errorf("addresses = %08x -> %08x", ip.SrcIP, ip.DstIP)
	}

	tcp, err := ParseTCP(frame[EthernetHeaderLen+IPv4HeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if tcp.HeaderLen() != TCPHeaderLen {
		t.Errorf("TCP header len = %d", tcp.HeaderLen())
	}
	if tcp.Flags != TCPPsh|TCPAck {
		t.Errorf("flags = 0x%02x", tcp.Flags)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := ParseEthernet(make([]byte, 13)); err == nil {
		t.Error("ParseEthernet accepted 13 bytes")
	}
	if _, err := ParseIPv4(make([]byte, 19)); err == nil {
		t.Error("ParseIPv4 accepted 19 bytes")
	}
	if _, err := ParseTCP(make([]byte, 19)); err == nil {
		t.Error("ParseTCP accepted 19 bytes")
	}
	bad := make([]byte, IPv4HeaderLen)
	bad[0] = 0x65 // version 6
	if _, err := ParseIPv4(bad); err == nil {
		t.Error("ParseIPv4 accepted version 6")
	}
}

func TestIPConversions(t *testing.T) {
	ip := net.IPv4(10, 0, 0, 2)
	v := IPToUint32(ip)
	if v != 0x0a000002 {
		t.Errorf("IPToUint32 = 0x%08x", v)
	}
	if !Uint32ToIP(v).Equal(ip) {
		t.Errorf("round trip = %s", Uint32ToIP(v))
	}
	if IPToUint32(net.ParseIP("::1")) != 0 {
		t.Error("IPv6 should map to 0")
	}
}
