// Package engine implements the frame-to-reply pipeline: parse the
// fixed-layout headers, run the per-client session state machine through
// the credential gate, hand authenticated lines to the command
// dispatcher, and build the PSH|ACK reply frames. Anything that does not
// belong to the service is dropped silently and counted.
package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nicshell/nicshell/pkg/auth"
	"github.com/nicshell/nicshell/pkg/device"
	"github.com/nicshell/nicshell/pkg/logging"
	"github.com/nicshell/nicshell/pkg/netproto"
	"github.com/nicshell/nicshell/pkg/session"
)

// Wire constants fixed by the protocol.
const (
	DefaultPort = 23

	replyIPID   = 1234
	replyTTL    = 64
	replyWindow = 8192
)

// Banner strings. Clients key on these byte-for-byte.
const (
	loginPrompt  = "XAE OS Login\nUsername: "
	welcomeText  = "\nWelcome to XAE OS!\n> "
	authFailText = "\nAuthentication failed!\nUsername: "
	replyPrompt  = "\n> "
)

// Field limits on inbound credential and command lines.
const (
	maxUsernameLen = 31
	maxPasswordLen = 63
	maxCommandLen  = 255
)

// FrameSender is the transmit half of the device; replies go out through it.
type FrameSender interface {
	Send(data []byte)
}

// Dispatcher executes one authenticated command line and returns the
// output text. The processor appends the prompt itself.
type Dispatcher interface {
	Execute(line string, sess *session.Session) string
}

// NeighborResolver maps a destination IPv4 address to the MAC a reply
// frame should be addressed to.
type NeighborResolver interface {
	Resolve(ip uint32) [6]byte
}

// BroadcastResolver addresses every reply to ff:ff:ff:ff:ff:ff. There is
// no ARP; the segment is expected to tolerate broadcast delivery.
type BroadcastResolver struct{}

// Resolve implements NeighborResolver.
func (BroadcastResolver) Resolve(uint32) [6]byte {
	return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// Stats holds pipeline counters. They are written only by the poll
// goroutine; concurrent readers tolerate slightly stale values.
type Stats struct {
	Frames    uint64 // frames entering the pipeline
	NonIPv4   uint64
	NonTCP    uint64
	OtherPort uint64
	Malformed uint64 // truncated or inconsistent headers

	SynAccepted uint64 // sessions opened
	TableFull   uint64 // SYNs dropped because every slot was active
	NoSession   uint64 // data segments with no matching session

	AuthOK   uint64
	AuthFail uint64
	Commands uint64
	Closed   uint64 // sessions released by FIN or RST
	Sent     uint64 // reply frames transmitted
}

// Config carries the processor's network identity and policy knobs.
type Config struct {
	MAC  [6]byte
	IP   uint32 // host order
	Port uint16

	// WireKey is XORed over inbound payload bytes. Replies are plaintext.
	WireKey byte

	// PseudoChecksum switches the outbound TCP checksum to the RFC 793
	// pseudo-header form. Off by default: the native clients verify the
	// segment-only sum and reject standards-compliant checksums.
	PseudoChecksum bool

	Resolver NeighborResolver
	Dispatch Dispatcher
}

// Processor owns the packet pipeline state. Not safe for concurrent
// ProcessFrame calls; the poll loop is the only data-path caller.
type Processor struct {
	sender FrameSender
	table  *session.Table
	creds  *auth.Store
	events *logging.EventBuffer
	cfg    Config

	txBuf   []byte
	payload []byte // decrypted inbound payload, reused across frames

	stats Stats
}

// NewProcessor wires the pipeline together. A nil resolver defaults to
// broadcast delivery; a zero port defaults to the standard service port.
func NewProcessor(sender FrameSender, table *session.Table, creds *auth.Store,
	events *logging.EventBuffer, cfg Config) *Processor {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Resolver == nil {
		cfg.Resolver = BroadcastResolver{}
	}
	return &Processor{
		sender:  sender,
		table:   table,
		creds:   creds,
		events:  events,
		cfg:     cfg,
		txBuf:   make([]byte, device.MaxFrameSize),
		payload: make([]byte, device.MaxFrameSize),
	}
}

// ProcessFrame runs one inbound frame through the pipeline. Frames that
// are not IPv4/TCP to the service port are dropped without a reply.
func (p *Processor) ProcessFrame(frame []byte) {
	p.stats.Frames++

	eth, err := netproto.ParseEthernet(frame)
	if err != nil {
		p.stats.Malformed++
		return
	}
	if eth.EtherType != netproto.EtherTypeIPv4 {
		p.stats.NonIPv4++
		return
	}

	ip, err := netproto.ParseIPv4(frame[netproto.EthernetHeaderLen:])
	if err != nil {
		p.stats.Malformed++
		return
	}
	if ip.Protocol != netproto.ProtoTCP {
		p.stats.NonTCP++
		return
	}
	ipHdrLen := ip.HeaderLen()
	if ipHdrLen < netproto.IPv4HeaderLen || netproto.EthernetHeaderLen+ipHdrLen > len(frame) {
		p.stats.Malformed++
		return
	}

	seg := frame[netproto.EthernetHeaderLen+ipHdrLen:]
	tcp, err := netproto.ParseTCP(seg)
	if err != nil {
		p.stats.Malformed++
		return
	}
	if tcp.DstPort != p.cfg.Port {
		p.stats.OtherPort++
		return
	}

	switch {
	case tcp.Flags&netproto.TCPSyn != 0:
		p.handleSyn(ip, tcp)
	case tcp.Flags&(netproto.TCPFin|netproto.TCPRst) != 0:
		p.handleClose(ip, tcp)
	case tcp.Flags&netproto.TCPPsh != 0:
		p.handleData(ip, tcp, seg)
	}
}

// handleSyn opens a session and greets the client with the login prompt.
// No SYN-ACK is sent; the native clients treat the prompt itself as the
// connection acknowledgement. A SYN from an already-active peer is
// ignored, and a SYN against a full table is dropped without an RST so a
// scanner cannot distinguish full from filtered.
func (p *Processor) handleSyn(ip netproto.IPv4Header, tcp netproto.TCPHeader) {
	if p.table.Find(ip.SrcIP, tcp.SrcPort) != nil {
		return
	}
	sess, err := p.table.Create(ip.SrcIP, tcp.SrcPort, tcp.Seq)
	if err != nil {
		p.stats.TableFull++
		p.addEvent(logging.EventDrop, ip.SrcIP, tcp.SrcPort, "", "session table full")
		slog.Debug("SYN dropped, session table full",
			"client", clientAddr(ip.SrcIP, tcp.SrcPort))
		return
	}
	p.stats.SynAccepted++
	p.addEvent(logging.EventSessionOpen, ip.SrcIP, tcp.SrcPort, "", "")
	slog.Info("session opened", "client", clientAddr(ip.SrcIP, tcp.SrcPort))
	p.send(sess, loginPrompt)
}

// handleClose releases the session on FIN or RST. No reply is sent.
func (p *Processor) handleClose(ip netproto.IPv4Header, tcp netproto.TCPHeader) {
	released, ok := p.table.Release(ip.SrcIP, tcp.SrcPort)
	if !ok {
		return
	}
	p.stats.Closed++
	p.addEvent(logging.EventSessionClose, ip.SrcIP, tcp.SrcPort, released.Username, "peer close")
	slog.Info("session closed", "client", clientAddr(ip.SrcIP, tcp.SrcPort),
		"username", released.Username)
}

// handleData decrypts the pushed payload and runs it through the
// credential gate or the command dispatcher.
func (p *Processor) handleData(ip netproto.IPv4Header, tcp netproto.TCPHeader, seg []byte) {
	sess := p.table.Find(ip.SrcIP, tcp.SrcPort)
	if sess == nil {
		p.stats.NoSession++
		return
	}

	dataOff := tcp.HeaderLen()
	if dataOff < netproto.TCPHeaderLen || dataOff > len(seg) {
		p.stats.Malformed++
		return
	}
	n := int(ip.TotalLength) - ip.HeaderLen() - dataOff
	if n < 0 || n > len(seg)-dataOff || n > len(p.payload) {
		p.stats.Malformed++
		return
	}

	payload := p.payload[:n]
	copy(payload, seg[dataOff:dataOff+n])
	auth.Decrypt(payload, p.cfg.WireKey)

	// Acknowledge everything the peer pushed. The update doubles as the
	// activity mark for the idle sweeper; if the sweeper already
	// reclaimed the slot, the segment is an orphan.
	ok := p.table.Update(sess, func(s *session.Session) {
		s.Ack = tcp.Seq + uint32(n)
		s.LastActivity = time.Now()
	})
	if !ok {
		p.stats.NoSession++
		return
	}

	if !sess.Authenticated {
		p.gateCredentials(sess, payload)
		return
	}
	p.runCommand(sess, payload)
}

// gateCredentials parses "username:password\n" and verifies it against
// the account table. Success flips Authenticated exactly once; failure
// re-prompts without closing the session.
func (p *Processor) gateCredentials(sess *session.Session, payload []byte) {
	username, password := splitCredentials(payload)
	if p.creds.Verify(username, password) {
		p.table.Update(sess, func(s *session.Session) {
			s.Authenticated = true
			s.Username = username
		})
		p.stats.AuthOK++
		p.addEvent(logging.EventAuthOK, sess.ClientIP, sess.ClientPort, username, "")
		slog.Info("login", "client", clientAddr(sess.ClientIP, sess.ClientPort),
			"username", username)
		p.send(sess, welcomeText)
		return
	}
	p.stats.AuthFail++
	p.addEvent(logging.EventAuthFail, sess.ClientIP, sess.ClientPort, username, "")
	slog.Warn("login failed", "client", clientAddr(sess.ClientIP, sess.ClientPort),
		"username", username)
	p.send(sess, authFailText)
}

// runCommand hands one line to the dispatcher and sends its output
// followed by the prompt.
func (p *Processor) runCommand(sess *session.Session, payload []byte) {
	if len(payload) > maxCommandLen {
		payload = payload[:maxCommandLen]
	}
	line := strings.TrimRight(string(payload), "\r\n")

	p.stats.Commands++
	p.addEvent(logging.EventCmdExec, sess.ClientIP, sess.ClientPort, sess.Username, line)

	var output string
	if p.cfg.Dispatch != nil {
		output = p.cfg.Dispatch.Execute(line, sess)
	}
	p.send(sess, output+replyPrompt)
}

// send builds and transmits one PSH|ACK reply carrying data, then
// advances the session's send sequence by the payload length.
func (p *Processor) send(sess *session.Session, data string) {
	total := netproto.EthernetHeaderLen + netproto.IPv4HeaderLen + netproto.TCPHeaderLen + len(data)
	if total > len(p.txBuf) {
		slog.Warn("reply too large, dropped", "bytes", total)
		return
	}
	buf := p.txBuf[:total]

	eth := netproto.EthernetHeader{
		DstMAC:    p.cfg.Resolver.Resolve(sess.ClientIP),
		SrcMAC:    p.cfg.MAC,
		EtherType: netproto.EtherTypeIPv4,
	}
	eth.Put(buf)

	ip := netproto.IPv4Header{
		VersionIHL:  0x45,
		TotalLength: uint16(netproto.IPv4HeaderLen + netproto.TCPHeaderLen + len(data)),
		ID:          replyIPID,
		TTL:         replyTTL,
		Protocol:    netproto.ProtoTCP,
		SrcIP:       p.cfg.IP,
		DstIP:       sess.ClientIP,
	}
	ip.Put(buf[netproto.EthernetHeaderLen:])

	seg := buf[netproto.EthernetHeaderLen+netproto.IPv4HeaderLen:]
	tcp := netproto.TCPHeader{
		SrcPort:    p.cfg.Port,
		DstPort:    sess.ClientPort,
		Seq:        sess.Seq,
		Ack:        sess.Ack,
		DataOffset: 0x50,
		Flags:      netproto.TCPPsh | netproto.TCPAck,
		Window:     replyWindow,
	}
	tcp.Put(seg)
	copy(seg[netproto.TCPHeaderLen:], data)

	var sum uint16
	if p.cfg.PseudoChecksum {
		sum = netproto.PseudoChecksum(p.cfg.IP, sess.ClientIP, seg)
	} else {
		// Segment-only sum, the form the native clients verify.
		sum = netproto.Checksum(seg)
	}
	netproto.PutTCPChecksum(seg, sum)

	p.sender.Send(buf)
	p.table.Update(sess, func(s *session.Session) {
		s.Seq += uint32(len(data))
	})
	p.stats.Sent++
}

// Stats returns a copy of the pipeline counters.
func (p *Processor) Stats() Stats { return p.stats }

// splitCredentials parses "username:password" terminated by a newline.
// Without a colon the whole line is taken as the username and the
// password is empty, which verification then rejects.
func splitCredentials(payload []byte) (username, password string) {
	line := string(payload)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	user, pass, found := strings.Cut(line, ":")
	if len(user) > maxUsernameLen {
		user = user[:maxUsernameLen]
	}
	if !found {
		return user, ""
	}
	if len(pass) > maxPasswordLen {
		pass = pass[:maxPasswordLen]
	}
	return user, pass
}

func clientAddr(ip uint32, port uint16) string {
	return fmt.Sprintf("%s:%d", netproto.Uint32ToIP(ip), port)
}

func (p *Processor) addEvent(typ string, ip uint32, port uint16, username, detail string) {
	if p.events == nil {
		return
	}
	p.events.Add(logging.EventRecord{
		Type:       typ,
		ClientAddr: clientAddr(ip, port),
		Username:   username,
		Detail:     detail,
	})
}
