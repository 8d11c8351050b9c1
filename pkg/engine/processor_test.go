package engine

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nicshell/nicshell/pkg/auth"
	"github.com/nicshell/nicshell/pkg/logging"
	"github.com/nicshell/nicshell/pkg/netproto"
	"github.com/nicshell/nicshell/pkg/session"
)

const (
	testServerIP = 0x0a000002 // 10.0.0.2
	testClientIP = 0x0a000001 // 10.0.0.1
	testKey      = auth.DefaultWireKey
)

var testServerMAC = [6]byte{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}

// recorder captures reply frames.
type recorder struct {
	frames [][]byte
}

func (r *recorder) Send(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	r.frames = append(r.frames, frame)
}

// scriptedDispatcher records the lines it is given and replies with a
// fixed body.
type scriptedDispatcher struct {
	lines []string
	reply string
}

func (d *scriptedDispatcher) Execute(line string, _ *session.Session) string {
	d.lines = append(d.lines, line)
	return d.reply
}

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *recorder, *session.Table, *logging.EventBuffer) {
	t.Helper()
	store := auth.NewStore()
	if err := store.AddUser("admin", "admin123"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddUser("user", "password"); err != nil {
		t.Fatal(err)
	}
	table := session.NewTable()
	events := logging.NewEventBuffer(64)
	rec := &recorder{}

	cfg.MAC = testServerMAC
	cfg.IP = testServerIP
	cfg.WireKey = testKey
	return NewProcessor(rec, table, store, events, cfg), rec, table, events
}

// mkFrame builds an inbound Ethernet+IPv4+TCP frame. The payload is
// XOR-enciphered the way a client would send it. Inbound checksums are
// not validated, so none are computed.
func mkFrame(srcIP uint32, srcPort uint16, flags uint8, seq uint32, payload string) []byte {
	enc := []byte(payload)
	auth.Encrypt(enc, testKey)

	total := netproto.EthernetHeaderLen + netproto.IPv4HeaderLen + netproto.TCPHeaderLen + len(enc)
	buf := make([]byte, total)

	eth := netproto.EthernetHeader{
		DstMAC:    [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcMAC:    [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		EtherType: netproto.EtherTypeIPv4,
	}
	eth.Put(buf)

	ip := netproto.IPv4Header{
		VersionIHL:  0x45,
		TotalLength: uint16(netproto.IPv4HeaderLen + netproto.TCPHeaderLen + len(enc)),
		ID:          7,
		TTL:         64,
		Protocol:    netproto.ProtoTCP,
		SrcIP:       srcIP,
		DstIP:       testServerIP,
	}
	ip.Put(buf[netproto.EthernetHeaderLen:])

	seg := buf[netproto.EthernetHeaderLen+netproto.IPv4HeaderLen:]
	tcp := netproto.TCPHeader{
		SrcPort:    srcPort,
		DstPort:    DefaultPort,
		Seq:        seq,
		DataOffset: 0x50,
		Flags:      flags,
		Window:     1024,
	}
	tcp.Put(seg)
	copy(seg[netproto.TCPHeaderLen:], enc)
	return buf
}

// reply decodes one captured reply frame into its TCP header and payload.
func reply(t *testing.T, frame []byte) (netproto.TCPHeader, string) {
	t.Helper()
	seg := frame[netproto.EthernetHeaderLen+netproto.IPv4HeaderLen:]
	tcp, err := netproto.ParseTCP(seg)
	if err != nil {
		t.Fatalf("reply TCP header: %v", err)
	}
	return tcp, string(seg[netproto.TCPHeaderLen:])
}

func TestSynOpensSessionAndSendsLoginPrompt(t *testing.T) {
	p, rec, table, _ := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))

	if table.Count() != 1 {
		t.Fatalf("sessions = %d, want 1", table.Count())
	}
	if len(rec.frames) != 1 {
		t.Fatalf("replies = %d, want 1", len(rec.frames))
	}

	tcp, payload := reply(t, rec.frames[0])
	if payload != "XAE OS Login\nUsername: " {
		t.Errorf("prompt = %q", payload)
	}
	// The greeting is a data push, never a SYN-ACK.
	if tcp.Flags != netproto.TCPPsh|netproto.TCPAck {
		t.Errorf("flags = %#x, want PSH|ACK", tcp.Flags)
	}
	if tcp.Seq != session.InitialSeq {
		t.Errorf("seq = %d, want %d", tcp.Seq, session.InitialSeq)
	}
	if tcp.Ack != 5001 {
		t.Errorf("ack = %d, want 5001", tcp.Ack)
	}
	if tcp.SrcPort != DefaultPort || tcp.DstPort != 40000 {
		t.Errorf("ports = %d->%d", tcp.SrcPort, tcp.DstPort)
	}

	// Broadcast delivery by default.
	if !bytes.Equal(rec.frames[0][0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("dst MAC = %x, want broadcast", rec.frames[0][0:6])
	}
	if !bytes.Equal(rec.frames[0][6:12], testServerMAC[:]) {
		t.Errorf("src MAC = %x", rec.frames[0][6:12])
	}
}

func TestRepeatedSynIgnoredForActivePeer(t *testing.T) {
	p, rec, table, _ := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 6000, ""))

	if table.Count() != 1 {
		t.Errorf("sessions = %d, want 1", table.Count())
	}
	if len(rec.frames) != 1 {
		t.Errorf("replies = %d, want 1", len(rec.frames))
	}
}

func TestAuthenticationSuccess(t *testing.T) {
	p, rec, table, _ := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5001,
		"admin:admin123\n"))

	sess := table.Find(testClientIP, 40000)
	if sess == nil {
		t.Fatal("session missing")
	}
	if !sess.Authenticated || sess.Username != "admin" {
		t.Errorf("authenticated=%v username=%q", sess.Authenticated, sess.Username)
	}

	if len(rec.frames) != 2 {
		t.Fatalf("replies = %d, want 2", len(rec.frames))
	}
	tcp, payload := reply(t, rec.frames[1])
	if payload != "\nWelcome to XAE OS!\n> " {
		t.Errorf("welcome = %q", payload)
	}
	// Sequence advanced by the login prompt already sent.
	if want := uint32(session.InitialSeq + len("XAE OS Login\nUsername: ")); tcp.Seq != want {
		t.Errorf("seq = %d, want %d", tcp.Seq, want)
	}
	// Everything the client pushed is acknowledged.
	if want := uint32(5001 + len("admin:admin123\n")); tcp.Ack != want {
		t.Errorf("ack = %d, want %d", tcp.Ack, want)
	}
}

func TestAuthenticationFailureReprompts(t *testing.T) {
	p, rec, table, _ := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5001,
		"admin:wrong\n"))

	sess := table.Find(testClientIP, 40000)
	if sess == nil || sess.Authenticated {
		t.Fatal("failed login must keep the session open and unauthenticated")
	}
	_, payload := reply(t, rec.frames[1])
	if payload != "\nAuthentication failed!\nUsername: " {
		t.Errorf("failure prompt = %q", payload)
	}

	// A later correct attempt still succeeds.
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5020,
		"admin:admin123\n"))
	if !sess.Authenticated {
		t.Error("retry with valid credentials did not authenticate")
	}
	if got := p.Stats().AuthFail; got != 1 {
		t.Errorf("AuthFail = %d, want 1", got)
	}
}

func TestCredentialsWithoutColonRejected(t *testing.T) {
	p, rec, _, _ := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5001,
		"admin\n"))

	_, payload := reply(t, rec.frames[1])
	if payload != "\nAuthentication failed!\nUsername: " {
		t.Errorf("reply = %q", payload)
	}
}

func TestTableFullSynDroppedSilently(t *testing.T) {
	p, rec, table, _ := newTestProcessor(t, Config{})

	for i := 0; i < session.MaxSessions; i++ {
		p.ProcessFrame(mkFrame(testClientIP, uint16(40000+i), netproto.TCPSyn, 5000, ""))
	}
	if table.Count() != session.MaxSessions {
		t.Fatalf("sessions = %d", table.Count())
	}
	sent := len(rec.frames)

	// Sixth connection: no session, no reply, not even an RST.
	p.ProcessFrame(mkFrame(testClientIP, 49999, netproto.TCPSyn, 5000, ""))

	if table.Count() != session.MaxSessions {
		t.Errorf("sessions = %d after overflow SYN", table.Count())
	}
	if len(rec.frames) != sent {
		t.Errorf("overflow SYN produced a reply")
	}
	if p.Stats().TableFull != 1 {
		t.Errorf("TableFull = %d, want 1", p.Stats().TableFull)
	}
}

func TestCommandDispatch(t *testing.T) {
	disp := &scriptedDispatcher{reply: "pong"}
	p, rec, _, _ := newTestProcessor(t, Config{Dispatch: disp})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5001,
		"admin:admin123\n"))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5016,
		"ping\r\n"))

	if len(disp.lines) != 1 || disp.lines[0] != "ping" {
		t.Fatalf("dispatched lines = %q", disp.lines)
	}
	_, payload := reply(t, rec.frames[2])
	if payload != "pong\n> " {
		t.Errorf("reply = %q", payload)
	}
	if p.Stats().Commands != 1 {
		t.Errorf("Commands = %d", p.Stats().Commands)
	}
}

func TestFinReleasesSession(t *testing.T) {
	p, _, table, events := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPFin|netproto.TCPAck, 5001, ""))

	if table.Count() != 0 {
		t.Errorf("sessions = %d after FIN", table.Count())
	}
	recs := events.LatestByType(1, logging.EventSessionClose)
	if len(recs) != 1 {
		t.Fatal("no close event recorded")
	}

	// The freed slot is reusable.
	p.ProcessFrame(mkFrame(testClientIP, 40001, netproto.TCPSyn, 6000, ""))
	if table.Count() != 1 {
		t.Errorf("sessions = %d after reconnect", table.Count())
	}
}

func TestDataWithoutSessionDropped(t *testing.T) {
	p, rec, _, _ := newTestProcessor(t, Config{})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5001,
		"admin:admin123\n"))

	if len(rec.frames) != 0 {
		t.Error("orphan data segment produced a reply")
	}
	if p.Stats().NoSession != 1 {
		t.Errorf("NoSession = %d", p.Stats().NoSession)
	}
}

func TestForeignTrafficCounted(t *testing.T) {
	p, rec, _, _ := newTestProcessor(t, Config{})

	// Wrong EtherType.
	arp := mkFrame(testClientIP, 40000, netproto.TCPSyn, 1, "")
	arp[12], arp[13] = 0x08, 0x06
	p.ProcessFrame(arp)

	// Wrong IP protocol.
	udp := mkFrame(testClientIP, 40000, netproto.TCPSyn, 1, "")
	udp[netproto.EthernetHeaderLen+9] = 17
	p.ProcessFrame(udp)

	// Wrong destination port.
	other := mkFrame(testClientIP, 40000, netproto.TCPSyn, 1, "")
	seg := other[netproto.EthernetHeaderLen+netproto.IPv4HeaderLen:]
	seg[2], seg[3] = 0x00, 0x50
	p.ProcessFrame(other)

	// Truncated.
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 1, "")[:20])

	if len(rec.frames) != 0 {
		t.Error("foreign traffic produced replies")
	}
	s := p.Stats()
	if s.NonIPv4 != 1 || s.NonTCP != 1 || s.OtherPort != 1 || s.Malformed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReplyChecksumForms(t *testing.T) {
	for _, tc := range []struct {
		name   string
		pseudo bool
	}{
		{"segment-only", false},
		{"pseudo-header", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, rec, _, _ := newTestProcessor(t, Config{PseudoChecksum: tc.pseudo})
			p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))

			seg := rec.frames[0][netproto.EthernetHeaderLen+netproto.IPv4HeaderLen:]
			got := uint16(seg[16])<<8 | uint16(seg[17])

			zeroed := make([]byte, len(seg))
			copy(zeroed, seg)
			zeroed[16], zeroed[17] = 0, 0

			var want uint16
			if tc.pseudo {
				want = netproto.PseudoChecksum(testServerIP, testClientIP, zeroed)
			} else {
				want = netproto.Checksum(zeroed)
			}
			if got != want {
				t.Errorf("checksum = %#04x, want %#04x", got, want)
			}
		})
	}
}

func TestCustomResolver(t *testing.T) {
	var asked []uint32
	p, rec, _, _ := newTestProcessor(t, Config{
		Resolver: resolverFunc(func(ip uint32) [6]byte {
			asked = append(asked, ip)
			return [6]byte{2, 0, 0, 0, 0, 9}
		}),
	})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))

	if len(asked) != 1 || asked[0] != testClientIP {
		t.Fatalf("resolver asked for %v", asked)
	}
	if !bytes.Equal(rec.frames[0][0:6], []byte{2, 0, 0, 0, 0, 9}) {
		t.Errorf("dst MAC = %x", rec.frames[0][0:6])
	}
}

type resolverFunc func(uint32) [6]byte

func (f resolverFunc) Resolve(ip uint32) [6]byte { return f(ip) }

func TestSequenceAdvancesAcrossReplies(t *testing.T) {
	disp := &scriptedDispatcher{reply: "ok"}
	p, rec, _, _ := newTestProcessor(t, Config{Dispatch: disp})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5001,
		"admin:admin123\n"))
	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPPsh|netproto.TCPAck, 5016,
		"x\n"))

	want := uint32(session.InitialSeq)
	for i, frame := range rec.frames {
		tcp, payload := reply(t, frame)
		if tcp.Seq != want {
			t.Errorf("reply %d: seq = %d, want %d", i, tcp.Seq, want)
		}
		want += uint32(len(payload))
	}
}

// TestConcurrentObserversDuringTraffic runs snapshot readers and the
// idle sweeper alongside the pipeline. Its value is under the race
// detector: every session field the pipeline writes must be visible to
// the table's locked readers.
func TestConcurrentObserversDuringTraffic(t *testing.T) {
	disp := &scriptedDispatcher{reply: "ok"}
	p, _, table, _ := newTestProcessor(t, Config{Dispatch: disp})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gc := session.NewGC(table, time.Millisecond, time.Minute, nil)
	go gc.Run(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, s := range table.Snapshot() {
				_ = s.Seq + s.Ack
				_ = s.Username
				_ = s.Authenticated
			}
			table.Count()
			table.Stats()
		}
	}()

	for port := uint16(40000); ; port++ {
		select {
		case <-done:
			return
		default:
		}
		p.ProcessFrame(mkFrame(testClientIP, port, netproto.TCPSyn, 5000, ""))
		p.ProcessFrame(mkFrame(testClientIP, port, netproto.TCPPsh|netproto.TCPAck, 5001,
			"admin:admin123\n"))
		p.ProcessFrame(mkFrame(testClientIP, port, netproto.TCPPsh|netproto.TCPAck, 5016,
			"x\n"))
		p.ProcessFrame(mkFrame(testClientIP, port, netproto.TCPFin, 5018, ""))
	}
}

func BenchmarkProcessFrameSyn(b *testing.B) {
	store := auth.NewStore()
	store.AddUser("admin", "admin123")
	table := session.NewTable()
	rec := &recorder{}
	p := NewProcessor(rec, table, store, nil, Config{
		MAC: testServerMAC, IP: testServerIP, WireKey: testKey,
	})

	frames := make([][]byte, session.MaxSessions)
	for i := range frames {
		frames[i] = mkFrame(testClientIP, uint16(40000+i), netproto.TCPSyn, 5000, "")
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.ProcessFrame(frames[i%len(frames)])
		if i%len(frames) == len(frames)-1 {
			b.StopTimer()
			table.Clear()
			rec.frames = rec.frames[:0]
			b.StartTimer()
		}
	}
}

func ExampleProcessor() {
	store := auth.NewStore()
	store.AddUser("admin", "admin123")
	rec := &recorder{}
	p := NewProcessor(rec, session.NewTable(), store, nil, Config{
		MAC: testServerMAC, IP: testServerIP, WireKey: testKey,
	})

	p.ProcessFrame(mkFrame(testClientIP, 40000, netproto.TCPSyn, 5000, ""))
	seg := rec.frames[0][netproto.EthernetHeaderLen+netproto.IPv4HeaderLen:]
	fmt.Println(string(seg[netproto.TCPHeaderLen:]))
	// Output:
	// XAE OS Login
	// Username:
}