package fsm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// link drives a sender/receiver pair over an in-memory channel, routing
// every message through the wire codec so the bit-level layer is exercised
// too. drop decides, by 1-based message count, which transmissions the
// lossy channel eats. When both sides fall silent without finishing, the
// sender's retransmission timer is fired, as a host's alarm would.
type link struct {
	t    *testing.T
	p    profile.Profile
	snd  *Sender
	rcv  *Receiver
	mtu  int
	drop func(n int) bool

	sent  int
	all1s int
}

func (l *link) resolve(int) (profile.Profile, error) { return l.p, nil }

func (l *link) deliver(m wire.Message, to func(wire.Message) error) {
	l.sent++
	if _, ok := m.(*wire.All1Fragment); ok {
		l.all1s++
	}
	if l.drop != nil && l.drop(l.sent) {
		return
	}
	b, err := wire.Encode(m, l.p)
	if err != nil {
		l.t.Fatalf("encode %s: %v", m.Kind(), err)
	}
	if len(b)*8%l.p.L2Word != 0 {
		l.t.Fatalf("%s not word-aligned: %d bytes", m.Kind(), len(b))
	}
	if len(b) > l.mtu {
		l.t.Fatalf("%s exceeds mtu: %d > %d", m.Kind(), len(b), l.mtu)
	}
	parsed, _, err := wire.Parse(b[0], b[1:], l.resolve)
	if err != nil {
		l.t.Fatalf("parse %s: %v", m.Kind(), err)
	}
	_ = to(parsed) // state complaints are the lossy channel's problem
}

// run pumps messages in both directions until both machines are terminal
// or the exchange stalls for good.
func (l *link) run() {
	for iter := 0; iter < 5000; iter++ {
		if l.snd.IsTerminal() && l.rcv.IsTerminal() {
			return
		}
		progress := false
		for {
			m, err := l.snd.GenerateMessage(l.mtu)
			if err != nil || m == nil {
				break
			}
			progress = true
			l.deliver(m, l.rcv.ReceiveMessage)
		}
		for {
			m, err := l.rcv.GenerateMessage(l.mtu)
			if err != nil || m == nil {
				break
			}
			progress = true
			l.deliver(m, l.snd.ReceiveMessage)
		}
		if !progress {
			if l.snd.State() == SenderWaiting {
				l.snd.OnTimer()
				continue
			}
			return
		}
	}
	l.t.Fatalf("exchange did not converge: sender %s, receiver %s", l.snd.State(), l.rcv.State())
}

func newLink(t *testing.T, p profile.Profile, payload []byte, mtu int, drop func(int) bool) (*link, *[]byte) {
	t.Helper()
	snd, err := NewSender(p, payload, 0)
	assert.NoError(t, err)
	var got []byte
	rcv, err := NewReceiver(p, func(b []byte) { got = b })
	assert.NoError(t, err)
	l := &link{t: t, p: p, snd: snd, rcv: rcv, mtu: mtu, drop: drop}
	return l, &got
}

func TestEndToEndAckOnError(t *testing.T) {
	p := ackOnError(t)
	sizes := []int{
		1,    // single short tile
		5,    // the classic five-byte hello
		10,   // exactly one tile: the boundary shift keeps the last tile non-empty
		20,   // penultimate + last, no full tiles
		100,  // several fragments, one window
		630,  // window walked to fcn 0 plus the All-1
		640,  // the All-1 opens a fresh window on its own
		700,  // two windows
		1300, // three windows
		2600, // five windows, W wraps past the two-bit field
	}
	for _, n := range sizes {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		l, got := newLink(t, p, payload, 51, nil)
		l.run()

		assert.Equal(t, SenderEnd, l.snd.State(), "size %d", n)
		assert.Equal(t, ReceiverEnd, l.rcv.State(), "size %d", n)
		assert.True(t, bytes.Equal(payload, *got), "size %d: reassembly mismatch", n)
		assert.Equal(t, 1, l.all1s, "size %d: exactly one All-1 per session", n)
	}
}

func TestEndToEndAckAlways(t *testing.T) {
	p, err := profile.For(profile.RuleAckAlways, 80)
	assert.NoError(t, err)

	for _, n := range []int{5, 25, 80} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(0xA0 + i)
		}
		l, got := newLink(t, p, payload, 51, nil)
		l.run()

		assert.Equal(t, SenderEnd, l.snd.State(), "size %d", n)
		assert.Equal(t, ReceiverEnd, l.rcv.State(), "size %d", n)
		assert.True(t, bytes.Equal(payload, *got), "size %d", n)
	}
}

func TestEndToEndRecoversFromLostOnlyFragment(t *testing.T) {
	p := ackOnError(t)
	payload := []byte("Hello")
	// The All-1 is the first transmission; eat it once.
	l, got := newLink(t, p, payload, 51, func(n int) bool { return n == 1 })
	l.run()

	assert.Equal(t, SenderEnd, l.snd.State())
	assert.Equal(t, ReceiverEnd, l.rcv.State())
	assert.Equal(t, payload, *got)
	assert.GreaterOrEqual(t, l.snd.Retransmissions(), 1)
}

func TestEndToEndRecoversFromMidWindowLoss(t *testing.T) {
	p := ackOnError(t)
	payload := bytes.Repeat([]byte{0x5A}, 700)
	// Message 3 is a full regular fragment in the middle of window 0.
	l, got := newLink(t, p, payload, 51, func(n int) bool { return n == 3 })
	l.run()

	assert.Equal(t, SenderEnd, l.snd.State())
	assert.Equal(t, ReceiverEnd, l.rcv.State())
	assert.True(t, bytes.Equal(payload, *got))
	assert.GreaterOrEqual(t, l.snd.Retransmissions(), 4)
}

func TestEndToEndTamperedRCSAbortsBothSides(t *testing.T) {
	p := ackOnError(t)
	payload := bytes.Repeat([]byte{0x11}, 11)

	snd, err := NewSender(p, payload, 0)
	assert.NoError(t, err)
	called := false
	rcv, err := NewReceiver(p, func([]byte) { called = true })
	assert.NoError(t, err)

	resolve := func(int) (profile.Profile, error) { return p, nil }

	// First emission carries both tiles' worth across two messages; walk
	// them over, corrupting every All-1 payload byte on the way.
	for {
		m, gerr := snd.GenerateMessage(51)
		assert.NoError(t, gerr)
		if m == nil {
			break
		}
		b, eerr := wire.Encode(m, p)
		assert.NoError(t, eerr)
		if _, ok := m.(*wire.All1Fragment); ok {
			b[len(b)-1] ^= 0xFF
		}
		parsed, _, perr := wire.Parse(b[0], b[1:], resolve)
		assert.NoError(t, perr)
		_ = rcv.ReceiveMessage(parsed)
	}

	assert.False(t, called)
	assert.Equal(t, ReceiverError, rcv.State())

	m, err := rcv.GenerateMessage(51)
	assert.NoError(t, err)
	abort, ok := m.(*wire.ReceiverAbort)
	assert.True(t, ok)

	b, err := wire.Encode(abort, p)
	assert.NoError(t, err)
	parsed, _, err := wire.Parse(b[0], b[1:], resolve)
	assert.NoError(t, err)
	assert.NoError(t, snd.ReceiveMessage(parsed))
	assert.Equal(t, SenderError, snd.State())
}

func TestEndToEndRoundTripProperty(t *testing.T) {
	p := ackOnError(t)
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 800).Draw(rt, "n")
		// Smallest workable budget: the All-1 with a full tile is 16 bytes.
		mtu := rapid.IntRange(16, 120).Draw(rt, "mtu")
		payload := rapid.SliceOfN(rapid.Byte(), n, n).Draw(rt, "payload")

		snd, err := NewSender(p, payload, 0)
		if err != nil {
			rt.Fatalf("NewSender: %v", err)
		}
		var got []byte
		rcv, err := NewReceiver(p, func(b []byte) { got = b })
		if err != nil {
			rt.Fatalf("NewReceiver: %v", err)
		}
		l := &link{t: t, p: p, snd: snd, rcv: rcv, mtu: mtu}
		l.run()

		if snd.State() != SenderEnd || rcv.State() != ReceiverEnd {
			rt.Fatalf("not terminal: sender %s, receiver %s", snd.State(), rcv.State())
		}
		if !bytes.Equal(payload, got) {
			rt.Fatalf("reassembly mismatch: %d in, %d out", len(payload), len(got))
		}
		if l.all1s != 1 {
			rt.Fatalf("%d All-1 fragments emitted, want exactly 1", l.all1s)
		}
	})
}

func TestEndToEndAckAlwaysRecoversFromLoss(t *testing.T) {
	p, err := profile.For(profile.RuleAckAlways, 80)
	assert.NoError(t, err)

	for _, n := range []int{5, 25} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(0x30 + i)
		}
		// The first transmission is always a fragment; eat it once.
		l, got := newLink(t, p, payload, 51, func(msg int) bool { return msg == 1 })
		l.run()

		assert.Equal(t, SenderEnd, l.snd.State(), "size %d", n)
		assert.Equal(t, ReceiverEnd, l.rcv.State(), "size %d", n)
		assert.True(t, bytes.Equal(payload, *got), "size %d", n)
		assert.GreaterOrEqual(t, l.snd.Retransmissions(), 1, "size %d", n)
	}
}
