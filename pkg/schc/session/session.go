// Package session wraps the fragmenter and reassembler state machines in a
// byte-level facade and provides the dispatcher that routes inbound frames
// to sessions by (rule id, dtag): a small constructor-driven front door
// hiding the codec and state machines behind a handful of methods.
package session

import (
	"sync"
	"time"

	"github.com/open-source-firmware/go-schc/pkg/schc/fsm"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/schcerr"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/timer"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// Role distinguishes the two session directions.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Option configures a Session.
type Option func(*config)

type config struct {
	log       schclog.Logger
	dtag      int
	noAlarm   bool
	retransTO time.Duration
	inactTO   time.Duration
}

// WithLogger injects the logging capability into the session and its state
// machine.
func WithLogger(l schclog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithDTag sets the datagram tag for the session's headers.
func WithDTag(dtag int) Option {
	return func(c *config) { c.dtag = dtag }
}

// WithTimeouts overrides the profile's retransmission and inactivity
// timeouts used by the built-in alarm; with WithoutAlarm they have no effect.
func WithTimeouts(retransmission, inactivity time.Duration) Option {
	return func(c *config) {
		c.retransTO = retransmission
		c.inactTO = inactivity
	}
}

// WithoutAlarm disables the built-in wall-clock alarm entirely; the host
// calls OnTimer when its own scheduler decides the session has stalled.
func WithoutAlarm() Option {
	return func(c *config) { c.noAlarm = true }
}

// Session drives one fragmentation or reassembly exchange. All methods are
// safe for the alarm goroutine to race against the host because every
// mutation takes the session lock; the cooperative model still holds, and
// no call blocks.
type Session struct {
	mu    sync.Mutex
	p     profile.Profile
	role  Role
	dtag  int
	alarm *timer.Alarm

	sender   *fsm.Sender
	receiver *fsm.Receiver
}

// NewSender creates a fragmenting session for one packet.
// padBitsInLastByte names how many low bits of the final byte are padding
// (0 for byte-aligned packets).
func NewSender(p profile.Profile, payload []byte, padBitsInLastByte int, opts ...Option) (*Session, error) {
	c := buildConfig(p.RetransmissionTimeout, p.InactivityTimeout, opts)
	s := &Session{p: p, role: RoleSender, dtag: c.dtag}
	if !c.noAlarm {
		s.alarm = timer.New(c.retransTO, s.OnTimer)
	}
	snd, err := fsm.NewSender(p, payload, padBitsInLastByte,
		fsm.WithLogger(c.log),
		fsm.WithDTag(c.dtag),
		fsm.WithTimerHooks(s.resetAlarm, s.stopAlarm),
	)
	if err != nil {
		return nil, err
	}
	s.sender = snd
	return s, nil
}

// NewReceiver creates a reassembling session. onSuccess receives the
// reassembled packet once integrity is confirmed.
func NewReceiver(p profile.Profile, onSuccess func([]byte), opts ...Option) (*Session, error) {
	c := buildConfig(p.RetransmissionTimeout, p.InactivityTimeout, opts)
	s := &Session{p: p, role: RoleReceiver, dtag: c.dtag}
	if !c.noAlarm {
		s.alarm = timer.New(c.inactTO, s.OnTimer)
	}
	rcv, err := fsm.NewReceiver(p, onSuccess,
		fsm.WithLogger(c.log),
		fsm.WithDTag(c.dtag),
		fsm.WithTimerHooks(s.resetAlarm, s.stopAlarm),
	)
	if err != nil {
		return nil, err
	}
	s.receiver = rcv
	return s, nil
}

func buildConfig(retrans, inact time.Duration, opts []Option) config {
	c := config{log: schclog.Nop(), retransTO: retrans, inactTO: inact}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (s *Session) resetAlarm() {
	if s.alarm != nil {
		s.alarm.Reset()
	}
}

func (s *Session) stopAlarm() {
	if s.alarm != nil {
		s.alarm.Stop()
	}
}

// Role returns the session's direction.
func (s *Session) Role() Role { return s.role }

// Profile returns the parameter set the session runs under.
func (s *Session) Profile() profile.Profile { return s.p }

// DTag returns the session's datagram tag.
func (s *Session) DTag() int { return s.dtag }

// GenerateMessage returns the next fully serialised message, RuleID byte
// included, or nil when there is nothing to emit. The result never exceeds
// mtuBytes; a pending message that cannot fit fails with schcerr.NoBudget.
func (s *Session) GenerateMessage(mtuBytes int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		m   wire.Message
		err error
	)
	if s.role == RoleSender {
		m, err = s.sender.GenerateMessage(mtuBytes)
	} else {
		m, err = s.receiver.GenerateMessage(mtuBytes)
	}
	if err != nil || m == nil {
		return nil, err
	}
	return wire.Encode(m, s.p)
}

// ReceiveMessage parses one inbound frame (RuleID byte first) and feeds it
// to the state machine.
func (s *Session) ReceiveMessage(frame []byte) error {
	if len(frame) == 0 {
		return schcerr.New(schcerr.Malformed, "empty frame")
	}
	return s.ReceiveFrame(frame[0], frame[1:])
}

// ReceiveFrame is ReceiveMessage with the LoRaWAN split form: fport is the
// RuleID byte, payload the FRMPayload.
func (s *Session) ReceiveFrame(fport byte, payload []byte) error {
	msg, _, err := wire.Parse(fport, payload, func(int) (profile.Profile, error) {
		return s.p, nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		return s.sender.ReceiveMessage(msg)
	}
	return s.receiver.ReceiveMessage(msg)
}

// OnTimer drives the session's single one-shot alarm: retransmission for a
// sender, inactivity for a receiver. Safe to call at any time; each call
// counts as one expiry (a waiting sender spends one more ACK-REQ attempt),
// and outside the states that run a timer it does nothing.
func (s *Session) OnTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		s.sender.OnTimer()
	} else {
		s.receiver.OnTimer()
	}
}

// IsTerminal reports whether the session has ended (End or Error) and its
// outbound queue is drained.
func (s *Session) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		return s.sender.IsTerminal()
	}
	return s.receiver.IsTerminal()
}

// Err returns the terminal error, nil while the session is healthy or
// ended successfully.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		return s.sender.Err()
	}
	return s.receiver.Err()
}

// State returns a short human-readable state name for diagnostics.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		return s.sender.State().String()
	}
	return s.receiver.State().String()
}

// Attempts returns the ACK-REQ (sender) or ACK (receiver) count.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		return s.sender.Attempts()
	}
	return s.receiver.Attempts()
}

// Retransmissions returns how many tiles a sender session has re-emitted;
// zero for receivers.
func (s *Session) Retransmissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleSender {
		return s.sender.Retransmissions()
	}
	return 0
}

// Close stops the session's alarm. Terminal sessions stop it themselves;
// Close exists for hosts tearing a session down early.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAlarm()
}
