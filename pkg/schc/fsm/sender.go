package fsm

import (
	"sort"

	"github.com/open-source-firmware/go-schc/pkg/schc/bitmap"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/rcs"
	"github.com/open-source-firmware/go-schc/pkg/schc/schcerr"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/tile"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// Sender is the fragmenter state machine. It slices the packet into tiles
// once at construction, then emits Regular Fragments, the single All-1
// Fragment and ACK-REQs through GenerateMessage, and consumes ACKs and
// Receiver-Aborts through ReceiveMessage. All mutation happens inside
// those calls; the host serialises them per session.
type Sender struct {
	p    profile.Profile
	log  schclog.Logger
	dtag int

	state      SenderState
	window     int // absolute; wrapped to M bits on the wire
	fcn        int
	lastWindow bool

	tiles       []tile.Tile       // remaining, in transmission order
	sentTiles   map[int]tile.Tile // current window's regular tiles, by fcn
	lastTile    tile.Tile         // rides inside the All-1, never a Regular
	lastTileFCN int               // bitmap slot of the All-1 tile; -1 until emitted

	peer       *bitmap.Bitmap // latest bitmap reported by the receiver
	toResend   []int          // missing fcns, highest first
	resendAll1 bool

	queue           []wire.Message
	attempts        int
	retransmissions int
	checksum        uint32
	err             *schcerr.Error

	resetTimer func()
	stopTimer  func()
}

// NewSender builds a fragmenter for one packet. padBitsInLastByte names how
// many low bits of the final payload byte are padding rather than packet
// content (0 for a byte-aligned packet); they are forced to zero so the RCS
// both peers compute is over identical bits. The tile sequence and the RCS
// are both fixed here, exactly once.
func NewSender(p profile.Profile, payload []byte, padBitsInLastByte int, opts ...Option) (*Sender, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if p.TileSize <= 0 {
		return nil, schcerr.New(schcerr.NotSupported, "profile for rule %d has no tile size; supply one", p.RuleID)
	}
	if padBitsInLastByte < 0 || padBitsInLastByte > 7 {
		return nil, schcerr.New(schcerr.Malformed, "padding bit count %d out of range [0,7]", padBitsInLastByte)
	}
	if padBitsInLastByte > 0 && len(payload) > 0 {
		masked := make([]byte, len(payload))
		copy(masked, payload)
		masked[len(masked)-1] &= 0xff << uint(padBitsInLastByte)
		payload = masked
	}

	tiles, err := tile.Split(payload, p.TileSize, p.PenultimateTileBits())
	if err != nil {
		return nil, err
	}

	s := &Sender{
		p:           p,
		log:         o.log,
		dtag:        o.dtag,
		state:       SenderSending,
		fcn:         p.WindowSize - 1,
		tiles:       tiles,
		sentTiles:   make(map[int]tile.Tile),
		lastTileFCN: -1,
		checksum:    rcs.Compute(nil, payload, p.L2Word),
		resetTimer:  o.resetTimer,
		stopTimer:   o.stopTimer,
	}
	s.log.Debugf("sender rule %d: %d tiles, rcs %08x", p.RuleID, len(tiles), s.checksum)
	return s, nil
}

// State returns the current machine state.
func (s *Sender) State() SenderState { return s.state }

// Err returns the terminal error once the machine is in the error state.
func (s *Sender) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Attempts returns how many ACK-REQs have been spent against the profile's
// budget for the current window.
func (s *Sender) Attempts() int { return s.attempts }

// Retransmissions returns how many tiles have been re-emitted over the
// session's lifetime.
func (s *Sender) Retransmissions() int { return s.retransmissions }

// IsTerminal reports whether the session is finished and its outbound
// queue drained, so the dispatcher can drop it.
func (s *Sender) IsTerminal() bool {
	return (s.state == SenderEnd || s.state == SenderError) && len(s.queue) == 0
}

func (s *Sender) head() wire.Header {
	return wire.Header{RuleID: int(s.p.RuleID), DTag: s.dtag, Window: wrapWindow(s.p, s.window)}
}

func (s *Sender) enqueueAckReq() {
	s.queue = append(s.queue, &wire.AckReq{Header: s.head()})
	s.attempts++
}

func (s *Sender) abort(kind schcerr.Kind, format string, args ...any) {
	s.err = schcerr.New(kind, format, args...)
	s.log.Errorf("sender abort: %v", s.err)
	s.queue = []wire.Message{&wire.SenderAbort{Header: s.head()}}
	s.state = SenderError
	s.stopTimer()
}

// GenerateMessage returns the next message to transmit, or nil when the
// machine has nothing to say right now. It never returns a message larger
// than mtuBytes: if the smallest pending message does not fit, the call
// fails with schcerr.NoBudget and the machine is left unchanged.
func (s *Sender) GenerateMessage(mtuBytes int) (wire.Message, error) {
	if len(s.queue) > 0 {
		return s.dequeue(mtuBytes)
	}
	switch s.state {
	case SenderSending:
		return s.generateSending(mtuBytes)
	case SenderResending:
		return s.generateResending(mtuBytes)
	case SenderError:
		return nil, s.err
	default: // Waiting, End
		return nil, nil
	}
}

func (s *Sender) dequeue(mtuBytes int) (wire.Message, error) {
	m := s.queue[0]
	size, err := queuedSize(s.p, m)
	if err != nil {
		return nil, err
	}
	if size > mtuBytes {
		return nil, schcerr.New(schcerr.NoBudget, "queued %s needs %d bytes, mtu is %d", m.Kind(), size, mtuBytes)
	}
	s.queue = s.queue[1:]
	return m, nil
}

func (s *Sender) generateSending(mtuBytes int) (wire.Message, error) {
	if len(s.tiles) == 1 {
		return s.emitAll1(mtuBytes)
	}

	headerBits := fragmentHeaderBits(s.p)
	availBits := mtuBytes*8 - headerBits
	if availBits < s.tiles[0].BitLen() {
		return nil, schcerr.New(schcerr.NoBudget, "tile of %d bits does not fit mtu %d", s.tiles[0].BitLen(), mtuBytes)
	}

	frag := &wire.RegularFragment{Header: s.head(), FCN: s.fcn}
	for len(s.tiles) > 1 && s.fcn >= 0 && availBits >= s.tiles[0].BitLen() {
		t := s.tiles[0]
		s.tiles = s.tiles[1:]
		frag.Payload = append(frag.Payload, t.Bytes()...)
		s.sentTiles[s.fcn] = t
		availBits -= t.BitLen()
		s.fcn--
	}

	if s.fcn < 0 {
		// Window closed: solicit the bitmap before sending anything else.
		s.enqueueAckReq()
		s.resetTimer()
		s.state = SenderWaiting
	}
	return frag, nil
}

func (s *Sender) emitAll1(mtuBytes int) (wire.Message, error) {
	last := s.tiles[0]
	contentBits := fragmentHeaderBits(s.p) + s.p.U + last.BitLen()
	if encodedBytes(s.p, contentBits) > mtuBytes {
		return nil, schcerr.New(schcerr.NoBudget, "all-1 fragment needs %d bytes, mtu is %d", encodedBytes(s.p, contentBits), mtuBytes)
	}
	s.tiles = nil
	s.lastTile = last
	s.lastTileFCN = s.fcn
	s.lastWindow = true

	msg := &wire.All1Fragment{Header: s.head(), RCS: s.checksum, Payload: last.Bytes()}
	s.enqueueAckReq()
	s.resetTimer()
	s.state = SenderWaiting
	return msg, nil
}

func (s *Sender) generateResending(mtuBytes int) (wire.Message, error) {
	if len(s.toResend) > 0 {
		fcn := s.toResend[0]
		t := s.sentTiles[fcn]
		contentBits := fragmentHeaderBits(s.p) + t.BitLen()
		if encodedBytes(s.p, contentBits) > mtuBytes {
			return nil, schcerr.New(schcerr.NoBudget, "retransmit tile needs %d bytes, mtu is %d", encodedBytes(s.p, contentBits), mtuBytes)
		}
		s.toResend = s.toResend[1:]
		s.retransmissions++
		frag := &wire.RegularFragment{Header: s.head(), FCN: fcn, Payload: t.Bytes()}
		if len(s.toResend) == 0 && !s.resendAll1 {
			s.enqueueAckReq()
			s.resetTimer()
			s.state = SenderWaiting
		}
		return frag, nil
	}

	if s.resendAll1 {
		contentBits := fragmentHeaderBits(s.p) + s.p.U + s.lastTile.BitLen()
		if encodedBytes(s.p, contentBits) > mtuBytes {
			return nil, schcerr.New(schcerr.NoBudget, "all-1 fragment needs %d bytes, mtu is %d", encodedBytes(s.p, contentBits), mtuBytes)
		}
		s.resendAll1 = false
		s.retransmissions++
		msg := &wire.All1Fragment{Header: s.head(), RCS: s.checksum, Payload: s.lastTile.Bytes()}
		s.enqueueAckReq()
		s.resetTimer()
		s.state = SenderWaiting
		return msg, nil
	}

	// Nothing left to resend; fall back to soliciting an ACK.
	s.enqueueAckReq()
	s.resetTimer()
	s.state = SenderWaiting
	return s.dequeue(mtuBytes)
}

// ReceiveMessage feeds one parsed inbound message to the machine. Only ACKs
// and Receiver-Aborts are meaningful to a sender; anything else fails with
// schcerr.UnexpectedState and leaves the state untouched.
func (s *Sender) ReceiveMessage(msg wire.Message) error {
	if s.state == SenderError {
		return s.err
	}
	if s.state == SenderEnd {
		return schcerr.New(schcerr.UnexpectedState, "message after session end")
	}

	switch m := msg.(type) {
	case *wire.ReceiverAbort:
		s.err = schcerr.New(schcerr.Aborted, "receiver abort for rule %d", m.RuleID)
		s.log.Warnf("sender: %v", s.err)
		s.queue = nil
		s.state = SenderError
		s.stopTimer()
		return nil
	case *wire.Ack:
		if s.state != SenderWaiting && s.state != SenderResending {
			s.log.Warnf("sender: ack in state %s dropped", s.state)
			return schcerr.New(schcerr.UnexpectedState, "ack in state %s", s.state)
		}
		return s.onAck(m)
	case *wire.AckReq:
		// A receiver never sends an ACK-REQ, but a C=0 ACK whose
		// compressed bitmap is all zeros shares its encoding (the zero
		// FCN field and the zero bitmap prefix are the same bits). On
		// this side of the link it can only be that NAK.
		if s.state != SenderWaiting && s.state != SenderResending {
			s.log.Warnf("sender: ack-req in state %s dropped", s.state)
			return schcerr.New(schcerr.UnexpectedState, "ack-req in state %s", s.state)
		}
		bits := encodedBytes(s.p, fragmentHeaderBits(s.p))*8 - s.p.HeaderBitsThroughC()
		return s.onAck(&wire.Ack{Header: m.Header, C: false, Bitmap: make([]bool, bits)})
	default:
		s.log.Warnf("sender: %s dropped", msg.Kind())
		return schcerr.New(schcerr.UnexpectedState, "%s on a sender", msg.Kind())
	}
}

func (s *Sender) onAck(m *wire.Ack) error {
	cur := wrapWindow(s.p, s.window)
	switch {
	case m.Window < cur:
		s.log.Warnf("sender: stale ack for window %d, current %d", m.Window, cur)
		return nil
	case m.Window > cur:
		s.abort(schcerr.UnexpectedState, "ack names window %d ahead of current %d", m.Window, cur)
		return nil
	}

	if m.C {
		if s.lastWindow {
			s.log.Infof("sender: final ack, rule %d complete", s.p.RuleID)
			s.queue = nil
			s.state = SenderEnd
			s.stopTimer()
			return nil
		}
		s.abort(schcerr.UnexpectedState, "integrity reported mid-stream on window %d", m.Window)
		return nil
	}

	bm := bitmap.Expand(m.Bitmap, s.p.WindowSize)
	s.peer = bm
	missing, all1Missing := s.missingTiles(bm)

	if len(missing) == 0 && !all1Missing {
		if s.lastWindow {
			s.abort(schcerr.UnexpectedState, "final window fully acknowledged but integrity not confirmed")
			return nil
		}
		// Window done: advance and keep sending.
		s.sentTiles = make(map[int]tile.Tile)
		s.window++
		s.fcn = s.p.WindowSize - 1
		s.attempts = 0
		s.queue = nil
		s.stopTimer()
		s.state = SenderSending
		return nil
	}

	s.toResend = missing
	s.resendAll1 = all1Missing
	s.queue = nil
	s.state = SenderResending
	return nil
}

// missingTiles lists the fcns of current-window tiles the receiver has not
// acknowledged, highest fcn first, plus whether the All-1's tile is among
// them. Bitmap positions for tiles this sender never placed in the window
// are ignored, which also absorbs the zero bits padding appends to a
// truncated final-window bitmap.
func (s *Sender) missingTiles(bm *bitmap.Bitmap) ([]int, bool) {
	bits := bm.Bits()
	received := func(fcn int) bool {
		idx := s.p.WindowSize - 1 - fcn
		return idx >= 0 && idx < len(bits) && bits[idx]
	}

	var missing []int
	for fcn := range s.sentTiles {
		if !received(fcn) {
			missing = append(missing, fcn)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(missing)))

	all1Missing := s.lastWindow && s.lastTileFCN >= 0 && !received(s.lastTileFCN)
	return missing, all1Missing
}

// OnTimer is the retransmission timer callback. Outside the waiting state
// it is a no-op, which makes stale fires after a state change harmless.
func (s *Sender) OnTimer() {
	if s.state != SenderWaiting {
		return
	}
	if s.attempts >= s.p.MaxAckRequests {
		s.abort(schcerr.AttemptsExhausted, "no conclusive ack after %d requests", s.attempts)
		return
	}
	s.log.Debugf("sender: retransmission timer fired, attempt %d", s.attempts+1)
	s.enqueueAckReq()
	s.resetTimer()
}
