package session

import (
	"sync"
	"sync/atomic"

	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/schcerr"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// Key identifies a session: one packet in flight per (rule id, dtag) pair.
// DTag is 0 whenever the profile's T is zero.
type Key struct {
	RuleID int
	DTag   int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMTU sets the byte budget handed to GenerateMessage when draining
// outbound messages. Defaults to 51, the smallest LoRaWAN data-rate
// payload allowance.
func WithMTU(mtu int) DispatcherOption {
	return func(d *Dispatcher) { d.mtu = mtu }
}

// WithAckAlwaysTileBits sets the device-chosen tile size for rule 21,
// which the profile leaves open.
func WithAckAlwaysTileBits(bits int) DispatcherOption {
	return func(d *Dispatcher) { d.tileBits = bits }
}

// WithDispatcherLogger injects the logging capability.
func WithDispatcherLogger(l schclog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithDeliver sets the callback receiving every successfully reassembled
// packet.
func WithDeliver(fn func(key Key, payload []byte)) DispatcherOption {
	return func(d *Dispatcher) { d.onDeliver = fn }
}

// WithPassthrough sets the callback for frames whose rule id is neither a
// fragmentation rule nor the reserved rule: compression-rule traffic the
// engine forwards untouched.
func WithPassthrough(fn func(fport byte, payload []byte)) DispatcherOption {
	return func(d *Dispatcher) { d.onPassthrough = fn }
}

// WithSessionOptions appends options applied to every session the
// dispatcher creates, e.g. WithoutAlarm for simulations.
func WithSessionOptions(opts ...Option) DispatcherOption {
	return func(d *Dispatcher) { d.sessOpts = append(d.sessOpts, opts...) }
}

// Stats is a point-in-time snapshot of dispatcher activity, consumed by
// the Prometheus collector in pkg/schc/metrics.
type Stats struct {
	ActiveSessions     int
	SessionsStarted    uint64
	PacketsReassembled uint64
	BytesReassembled   uint64
	AbortsObserved     uint64
	Sessions           []SessionStats
}

// SessionStats describes one live session.
type SessionStats struct {
	RuleID          int
	DTag            int
	Role            string
	State           string
	Attempts        int
	Retransmissions int
}

// Dispatcher owns the session table. Inbound frames are routed by the
// LoRaWAN FPort (the rule id) plus the DTag bits of the header; unseen
// fragment traffic creates a receiver session on the fly.
type Dispatcher struct {
	mu       sync.Mutex
	mtu      int
	tileBits int
	log      schclog.Logger
	sessOpts []Option

	onDeliver     func(Key, []byte)
	onPassthrough func(byte, []byte)

	sessions map[Key]*Session

	started     atomic.Uint64
	reassembled atomic.Uint64
	bytesOut    atomic.Uint64
	aborts      atomic.Uint64
}

// NewDispatcher builds a dispatcher with the supplied options.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		mtu:      51,
		tileBits: 80,
		log:      schclog.Nop(),
		sessions: make(map[Key]*Session),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) resolve(ruleID int) (profile.Profile, error) {
	return profile.For(profile.RuleID(ruleID), d.tileBits)
}

// Submit opens a sender session for one outbound packet. Messages are then
// pulled with Flush, and inbound ACKs routed back via Handle.
func (d *Dispatcher) Submit(rule profile.RuleID, dtag int, payload []byte, padBitsInLastByte int) error {
	p, err := d.resolve(int(rule))
	if err != nil {
		return err
	}
	key := Key{RuleID: int(rule), DTag: dtag}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, busy := d.sessions[key]; busy {
		if !old.IsTerminal() {
			return schcerr.New(schcerr.UnexpectedState, "session for rule %d dtag %d already in flight", rule, dtag)
		}
		old.Close()
	}
	opts := append([]Option{WithLogger(d.log), WithDTag(dtag)}, d.sessOpts...)
	sess, err := NewSender(p, payload, padBitsInLastByte, opts...)
	if err != nil {
		return err
	}
	d.sessions[key] = sess
	d.started.Add(1)
	return nil
}

// Handle parses one inbound frame, routes it to its session (creating a
// receiver for unseen fragment traffic), then drains at most one outbound
// message at the configured MTU. A nil result with nil error means nothing
// to transmit.
func (d *Dispatcher) Handle(fport byte, payload []byte) ([]byte, error) {
	rule := int(fport)
	switch profile.RuleID(rule) {
	case profile.RuleAckOnError, profile.RuleAckAlways:
	case profile.RuleReserved:
		return nil, schcerr.New(schcerr.NotSupported, "rule 22 cannot carry fragments")
	default:
		// Compression-rule traffic: not ours, forward untouched.
		if d.onPassthrough != nil {
			d.onPassthrough(fport, payload)
		}
		return nil, nil
	}

	msg, _, err := wire.Parse(fport, payload, d.resolve)
	if err != nil {
		return nil, err
	}
	key := Key{RuleID: rule, DTag: msg.Head().DTag}

	d.mu.Lock()
	sess, ok := d.sessions[key]
	if ok && sess.IsTerminal() && isFragment(msg) {
		// A fresh packet reusing the key of a finished session; the
		// tombstone only stays around to answer duplicate ACK-REQs.
		sess.Close()
		ok = false
	}
	if !ok {
		if !createsReceiver(msg) {
			d.mu.Unlock()
			d.log.Warnf("dispatcher: %s for unknown session %v dropped", msg.Kind(), key)
			return nil, nil
		}
		p, perr := d.resolve(rule)
		if perr != nil {
			d.mu.Unlock()
			return nil, perr
		}
		opts := append([]Option{WithLogger(d.log), WithDTag(key.DTag)}, d.sessOpts...)
		sess, err = NewReceiver(p, func(b []byte) {
			d.recordDelivery(key, b)
		}, opts...)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.sessions[key] = sess
		d.started.Add(1)
	}
	d.mu.Unlock()

	if rerr := sess.ReceiveFrame(fport, payload); rerr != nil {
		if schcerr.Is(rerr, schcerr.Aborted) {
			d.noteAbort()
		}
		d.log.Warnf("dispatcher: session %v: %v", key, rerr)
	}
	return d.drain(key, sess)
}

// Flush pulls the next outbound message for a session, nil when idle. The
// host calls it repeatedly after Submit or Handle until it returns nil.
func (d *Dispatcher) Flush(rule profile.RuleID, dtag int) ([]byte, error) {
	key := Key{RuleID: int(rule), DTag: dtag}
	d.mu.Lock()
	sess, ok := d.sessions[key]
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return d.drain(key, sess)
}

func (d *Dispatcher) drain(key Key, sess *Session) ([]byte, error) {
	out, err := sess.GenerateMessage(d.mtu)
	if sess.IsTerminal() && sess.Err() != nil {
		// Errored sessions go away once their abort is out; successful
		// ones linger as tombstones so a duplicate ACK-REQ still gets
		// the cached final ACK.
		d.noteAbort()
		d.remove(key, sess)
	}
	return out, err
}

func (d *Dispatcher) remove(key Key, sess *Session) {
	sess.Close()
	d.mu.Lock()
	if d.sessions[key] == sess {
		delete(d.sessions, key)
	}
	d.mu.Unlock()
	d.log.Debugf("dispatcher: session %v removed in state %s", key, sess.State())
}

func (d *Dispatcher) recordDelivery(key Key, payload []byte) {
	d.reassembled.Add(1)
	d.bytesOut.Add(uint64(len(payload)))
	if d.onDeliver != nil {
		d.onDeliver(key, payload)
	}
}

func (d *Dispatcher) noteAbort() {
	d.aborts.Add(1)
}

// createsReceiver reports whether an inbound kind may open a fresh
// receiver session. ACKs and aborts without a session are stray.
func createsReceiver(msg wire.Message) bool {
	switch msg.Kind() {
	case wire.KindRegularFragment, wire.KindAll1Fragment, wire.KindAckReq:
		return true
	default:
		return false
	}
}

// isFragment reports whether the message carries packet content, i.e.
// whether it can only belong to a new packet when its session is done.
func isFragment(msg wire.Message) bool {
	switch msg.Kind() {
	case wire.KindRegularFragment, wire.KindAll1Fragment:
		return true
	default:
		return false
	}
}

// Stats snapshots the dispatcher for the metrics exporter.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	keys := make([]Key, 0, len(d.sessions))
	for k, s := range d.sessions {
		keys = append(keys, k)
		sessions = append(sessions, s)
	}
	st := Stats{
		SessionsStarted:    d.started.Load(),
		PacketsReassembled: d.reassembled.Load(),
		BytesReassembled:   d.bytesOut.Load(),
		AbortsObserved:     d.aborts.Load(),
	}
	d.mu.Unlock()

	for i, s := range sessions {
		if s.IsTerminal() {
			continue // tombstone kept only for duplicate ACK-REQs
		}
		st.ActiveSessions++
		st.Sessions = append(st.Sessions, SessionStats{
			RuleID:          keys[i].RuleID,
			DTag:            keys[i].DTag,
			Role:            s.Role().String(),
			State:           s.State(),
			Attempts:        s.Attempts(),
			Retransmissions: s.Retransmissions(),
		})
	}
	return st
}
