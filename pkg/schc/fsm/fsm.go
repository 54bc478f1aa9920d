// Package fsm implements the two finite state machines at the heart of the
// fragmentation engine: the Sender (fragmenter) and the Receiver
// (reassembler). States are a closed enum and every transition happens
// inside ReceiveMessage, GenerateMessage or OnTimer, so a session is
// driven entirely by external calls and never blocks. Shared session
// fields live on the Sender/Receiver values themselves; the states carry
// no data of their own.
package fsm

import (
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// SenderState enumerates the fragmenter states.
type SenderState int

const (
	SenderSending SenderState = iota
	SenderWaiting
	SenderResending
	SenderEnd
	SenderError
)

func (s SenderState) String() string {
	switch s {
	case SenderSending:
		return "sending"
	case SenderWaiting:
		return "waiting"
	case SenderResending:
		return "resending"
	case SenderEnd:
		return "end"
	case SenderError:
		return "error"
	default:
		return "unknown"
	}
}

// ReceiverState enumerates the reassembler states.
type ReceiverState int

const (
	ReceiverReceiving ReceiverState = iota
	ReceiverWaiting
	ReceiverReceivingMissing
	ReceiverEnd
	ReceiverError
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverReceiving:
		return "receiving"
	case ReceiverWaiting:
		return "waiting"
	case ReceiverReceivingMissing:
		return "receiving-missing"
	case ReceiverEnd:
		return "end"
	case ReceiverError:
		return "error"
	default:
		return "unknown"
	}
}

// Option configures a Sender or Receiver at construction.
type Option func(*options)

type options struct {
	log        schclog.Logger
	dtag       int
	resetTimer func()
	stopTimer  func()
}

func defaultOptions() options {
	return options{
		log:        schclog.Nop(),
		resetTimer: func() {},
		stopTimer:  func() {},
	}
}

// WithLogger injects the logging capability. The default discards
// everything.
func WithLogger(l schclog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDTag sets the datagram tag carried in every header. It defaults to 0,
// the only value expressible when the profile's T is zero.
func WithDTag(dtag int) Option {
	return func(o *options) { o.dtag = dtag }
}

// WithTimerHooks wires the machine's single one-shot alarm: reset is called
// whenever the retransmission (sender) or inactivity (receiver) timer must
// restart, stop when the session goes terminal. Both default to no-ops so
// the machines are testable without a clock.
func WithTimerHooks(reset, stop func()) Option {
	return func(o *options) {
		if reset != nil {
			o.resetTimer = reset
		}
		if stop != nil {
			o.stopTimer = stop
		}
	}
}

// wrapWindow reduces an absolute window index to the M-bit value carried on
// the wire. ACK window comparisons happen on these wrapped values; the
// profile's window size is large enough that a peer can never legitimately
// be a full wrap ahead.
func wrapWindow(p profile.Profile, w int) int {
	if p.M == 0 {
		return 0
	}
	return w % (1 << uint(p.M))
}

// encodedBytes returns the on-wire size of a message that carries the given
// number of content bits, after padding to the profile's L2 word.
func encodedBytes(p profile.Profile, contentBits int) int {
	bits := contentBits
	if rem := bits % p.L2Word; rem != 0 {
		bits += p.L2Word - rem
	}
	return bits / 8
}

// fragmentHeaderBits is the size of the common header plus the FCN field,
// shared by Regular Fragments, All-1 Fragments and ACK-REQs.
func fragmentHeaderBits(p profile.Profile) int {
	return p.RuleSize + p.T + p.M + p.N
}

// queuedSize returns the wire size of an already-built message, used to
// enforce the MTU on queued ACKs, ACK-REQs and aborts.
func queuedSize(p profile.Profile, m wire.Message) (int, error) {
	b, err := wire.Encode(m, p)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
