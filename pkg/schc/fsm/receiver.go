package fsm

import (
	"github.com/open-source-firmware/go-schc/pkg/schc/bitmap"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/rcs"
	"github.com/open-source-firmware/go-schc/pkg/schc/schcerr"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// Receiver is the reassembler state machine. Tiles arrive keyed by
// (window, fcn); every window owns a bitmap, completed windows keep their
// last ACK cached so a duplicate ACK-REQ is answered without recomputing,
// and the reassembled packet is handed to the success callback exactly
// once.
type Receiver struct {
	p    profile.Profile
	log  schclog.Logger
	dtag int

	state       ReceiverState
	window      int // absolute; wrapped to M bits on the wire
	expectedFCN int
	lastWindow  bool

	gotAll1  bool
	all1FCN  int // bitmap slot the All-1 tile occupies in the final window
	peerRCS  uint32
	lastTile []byte

	bitmaps  map[int]*bitmap.Bitmap
	tiles    map[int]map[int][]byte
	ackCache map[int]*wire.Ack

	queue     []wire.Message
	attempts  int
	onSuccess func([]byte)
	err       *schcerr.Error

	resetTimer func()
	stopTimer  func()
}

// NewReceiver builds a reassembler for one inbound packet. onSuccess
// receives the reassembled bytes after the RCS check passes; it is never
// called more than once.
func NewReceiver(p profile.Profile, onSuccess func([]byte), opts ...Option) (*Receiver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if p.TileSize <= 0 {
		return nil, schcerr.New(schcerr.NotSupported, "profile for rule %d has no tile size; supply one", p.RuleID)
	}
	if onSuccess == nil {
		onSuccess = func([]byte) {}
	}
	r := &Receiver{
		p:           p,
		log:         o.log,
		dtag:        o.dtag,
		state:       ReceiverReceiving,
		expectedFCN: p.WindowSize - 1,
		all1FCN:     -1,
		bitmaps:     make(map[int]*bitmap.Bitmap),
		tiles:       make(map[int]map[int][]byte),
		ackCache:    make(map[int]*wire.Ack),
		onSuccess:   onSuccess,
		resetTimer:  o.resetTimer,
		stopTimer:   o.stopTimer,
	}
	r.resetTimer()
	return r, nil
}

// State returns the current machine state.
func (r *Receiver) State() ReceiverState { return r.state }

// Err returns the terminal error once the machine is in the error state.
func (r *Receiver) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Attempts returns how many ACKs this receiver has emitted.
func (r *Receiver) Attempts() int { return r.attempts }

// IsTerminal reports whether the session is finished and its outbound
// queue drained.
func (r *Receiver) IsTerminal() bool {
	return (r.state == ReceiverEnd || r.state == ReceiverError) && len(r.queue) == 0
}

func (r *Receiver) head(window int) wire.Header {
	return wire.Header{RuleID: int(r.p.RuleID), DTag: r.dtag, Window: wrapWindow(r.p, window)}
}

func (r *Receiver) bitmapFor(w int) *bitmap.Bitmap {
	bm, ok := r.bitmaps[w]
	if !ok {
		bm = bitmap.New(r.p.WindowSize)
		r.bitmaps[w] = bm
	}
	return bm
}

func (r *Receiver) tilesFor(w int) map[int][]byte {
	ts, ok := r.tiles[w]
	if !ok {
		ts = make(map[int][]byte)
		r.tiles[w] = ts
	}
	return ts
}

// GenerateMessage drains the outbound queue (ACKs, aborts) under the MTU.
// The receiver never originates messages on its own, so an empty queue
// yields nil.
func (r *Receiver) GenerateMessage(mtuBytes int) (wire.Message, error) {
	if len(r.queue) == 0 {
		if r.state == ReceiverError {
			return nil, r.err
		}
		return nil, nil
	}
	m := r.queue[0]
	size, err := queuedSize(r.p, m)
	if err != nil {
		return nil, err
	}
	if size > mtuBytes {
		return nil, schcerr.New(schcerr.NoBudget, "queued %s needs %d bytes, mtu is %d", m.Kind(), size, mtuBytes)
	}
	r.queue = r.queue[1:]
	return m, nil
}

// ReceiveMessage feeds one parsed inbound message to the machine.
func (r *Receiver) ReceiveMessage(msg wire.Message) error {
	if r.state == ReceiverError {
		return r.err
	}
	if r.state == ReceiverEnd {
		// The peer may still be retransmitting its ACK-REQ if our final
		// ACK was lost; answer from cache instead of going silent.
		if ar, ok := msg.(*wire.AckReq); ok {
			return r.onAckReq(ar)
		}
		return schcerr.New(schcerr.UnexpectedState, "message after session end")
	}

	r.resetTimer()

	switch m := msg.(type) {
	case *wire.SenderAbort:
		r.err = schcerr.New(schcerr.Aborted, "sender abort for rule %d", m.RuleID)
		r.log.Warnf("receiver: %v", r.err)
		r.queue = nil
		r.state = ReceiverError
		r.stopTimer()
		return nil
	case *wire.RegularFragment:
		return r.onRegular(m)
	case *wire.All1Fragment:
		return r.onAll1(m)
	case *wire.AckReq:
		return r.onAckReq(m)
	case *wire.Ack:
		if m.C && r.p.N == 1 && m.Window == r.p.AllOnesWindow() {
			// The minimal Sender-Abort is byte-identical to a short C=1
			// ACK when N=1; on a receiver it can only be the abort.
			r.err = schcerr.New(schcerr.Aborted, "sender abort for rule %d", m.RuleID)
			r.log.Warnf("receiver: %v", r.err)
			r.queue = nil
			r.state = ReceiverError
			r.stopTimer()
			return nil
		}
		r.log.Warnf("receiver: %s dropped", msg.Kind())
		return schcerr.New(schcerr.UnexpectedState, "ack on a receiver")
	default:
		r.log.Warnf("receiver: %s dropped", msg.Kind())
		return schcerr.New(schcerr.UnexpectedState, "%s on a receiver", msg.Kind())
	}
}

func (r *Receiver) onRegular(m *wire.RegularFragment) error {
	cur := wrapWindow(r.p, r.window)

	switch r.state {
	case ReceiverReceiving:
		if m.Window != cur {
			r.log.Warnf("receiver: fragment for window %d while receiving window %d dropped", m.Window, cur)
			return nil
		}
		r.storeRegular(m)
		if r.expectedFCN < 0 {
			r.closeWindow()
			return nil
		}
		if r.lastWindow && r.gotAll1 && !r.anyWindowMissing() {
			return r.validate()
		}
		return nil

	case ReceiverWaiting:
		if m.Window == cur {
			// The sender is retransmitting tiles we reported missing.
			r.state = ReceiverReceivingMissing
			return r.onMissing(m)
		}
		r.advanceTo(m.Window)
		r.state = ReceiverReceiving
		r.storeRegular(m)
		if r.expectedFCN < 0 {
			r.closeWindow()
		}
		return nil

	case ReceiverReceivingMissing:
		if m.Window != cur {
			r.log.Warnf("receiver: fragment for window %d while repairing window %d dropped", m.Window, cur)
			return nil
		}
		return r.onMissing(m)
	}
	return nil
}

// storeRegular splits the fragment payload into tiles and records them
// starting at the header's fcn, counting down one per tile.
func (r *Receiver) storeRegular(m *wire.RegularFragment) {
	bm := r.bitmapFor(r.window)
	ts := r.tilesFor(r.window)
	tileBytes := r.p.TileSize / 8

	fcn := m.FCN
	for off := 0; off+tileBytes <= len(m.Payload) && fcn >= 0; off += tileBytes {
		chunk := make([]byte, tileBytes)
		copy(chunk, m.Payload[off:off+tileBytes])
		ts[fcn] = chunk
		bm.TileReceived(fcn)
		fcn--
	}
	if fcn < r.expectedFCN {
		r.expectedFCN = fcn
	}
	r.log.Debugf("receiver: window %d stored through fcn %d", wrapWindow(r.p, r.window), fcn+1)
}

// onMissing applies a retransmitted fragment selectively and closes the
// window once the bitmap reports nothing missing.
func (r *Receiver) onMissing(m *wire.RegularFragment) error {
	r.storeRegular(m)

	bm := r.bitmapFor(r.window)
	if idx, ok := bm.GetMissing(0); ok {
		r.expectedFCN = bm.ToFCN(idx)
	}
	if r.windowHasMissing(r.window) {
		return nil
	}
	if r.lastWindow && r.gotAll1 {
		return r.validate()
	}
	r.enqueueAck(r.window)
	r.state = ReceiverWaiting
	return nil
}

func (r *Receiver) onAll1(m *wire.All1Fragment) error {
	cur := wrapWindow(r.p, r.window)
	if m.Window != cur {
		if r.state != ReceiverWaiting {
			r.log.Warnf("receiver: all-1 for window %d while on window %d dropped", m.Window, cur)
			return nil
		}
		// The final window opens directly with its All-1 when nothing but
		// the last tile remained after the previous window.
		r.advanceTo(m.Window)
		r.state = ReceiverReceiving
	}

	if !r.gotAll1 {
		if r.expectedFCN < 0 {
			r.log.Warnf("receiver: all-1 on a closed window dropped")
			return nil
		}
		r.gotAll1 = true
		r.all1FCN = r.expectedFCN
		r.lastTile = append([]byte(nil), m.Payload...)
	}
	r.lastWindow = true
	r.peerRCS = m.RCS
	r.bitmapFor(r.window).TileReceived(r.all1FCN)

	for w := 0; w <= r.window; w++ {
		if r.windowHasMissing(w) {
			r.enqueueAck(w)
			if r.state == ReceiverWaiting {
				r.state = ReceiverReceivingMissing
			}
			return nil
		}
	}
	return r.validate()
}

// anyWindowMissing reports whether any window up to the current one still
// lacks tiles.
func (r *Receiver) anyWindowMissing() bool {
	for w := 0; w <= r.window; w++ {
		if r.windowHasMissing(w) {
			return true
		}
	}
	return false
}

// windowHasMissing reports whether w still lacks tiles. For the final
// window the check stops at the All-1's slot: positions below it were
// never sent.
func (r *Receiver) windowHasMissing(w int) bool {
	bm, ok := r.bitmaps[w]
	if !ok {
		return true
	}
	if r.lastWindow && r.gotAll1 && w == r.window {
		bits := bm.Bits()
		for i := 0; i <= r.p.WindowSize-1-r.all1FCN; i++ {
			if !bits[i] {
				return true
			}
		}
		return false
	}
	return bm.HasMissing()
}

// validate reassembles the packet, checks the RCS against the sender's and
// finishes the session either way.
func (r *Receiver) validate() error {
	payload := r.reassemble()
	computed := rcs.Compute(nil, payload, r.p.L2Word)
	if computed != r.peerRCS {
		r.err = schcerr.New(schcerr.IntegrityFailed, "rcs %08x != received %08x", computed, r.peerRCS)
		r.log.Errorf("receiver: %v", r.err)
		r.queue = []wire.Message{&wire.ReceiverAbort{Header: r.head(r.window)}}
		r.state = ReceiverError
		r.stopTimer()
		return nil
	}

	ack := &wire.Ack{Header: r.head(r.window), C: true}
	r.ackCache[r.window] = ack
	r.queue = append(r.queue, ack)
	r.attempts++
	r.state = ReceiverEnd
	r.stopTimer()
	r.log.Infof("receiver: rule %d reassembled %d bytes", r.p.RuleID, len(payload))
	r.onSuccess(payload)
	return nil
}

// reassemble concatenates every stored tile in (window ascending, fcn
// descending) order, then the All-1's tile.
func (r *Receiver) reassemble() []byte {
	var out []byte
	for w := 0; w <= r.window; w++ {
		ts := r.tiles[w]
		for fcn := r.p.WindowSize - 1; fcn >= 0; fcn-- {
			if chunk, ok := ts[fcn]; ok {
				out = append(out, chunk...)
			}
		}
	}
	return append(out, r.lastTile...)
}

func (r *Receiver) onAckReq(m *wire.AckReq) error {
	cur := wrapWindow(r.p, r.window)

	if m.Window == cur {
		if r.state == ReceiverEnd {
			if ack, ok := r.ackCache[r.window]; ok {
				r.queue = append(r.queue, ack)
			}
			return nil
		}
		if r.windowHasMissing(r.window) {
			r.enqueueAck(r.window)
			if r.state == ReceiverReceiving {
				r.state = ReceiverWaiting
			}
			return nil
		}
		if r.lastWindow && r.gotAll1 {
			// A repair completed the window without us noticing a fresh
			// ACK was due; the peer's nudge triggers validation now.
			return r.validate()
		}
		if ack, ok := r.ackCache[r.window]; ok {
			r.queue = append(r.queue, ack)
		} else {
			r.enqueueAck(r.window)
		}
		return nil
	}

	// Look for a completed earlier window whose wrapped index matches.
	for w := r.window - 1; w >= 0; w-- {
		if wrapWindow(r.p, w) != m.Window {
			continue
		}
		if ack, ok := r.ackCache[w]; ok {
			r.queue = append(r.queue, ack)
		}
		return nil
	}
	r.log.Warnf("receiver: ack-req for unknown window %d ignored", m.Window)
	return nil
}

// closeWindow fires when the expected fcn drops below zero: the window has
// been walked end to end. Integrity is not known yet, so the ACK always
// carries C=0 and the bitmap.
func (r *Receiver) closeWindow() {
	r.enqueueAck(r.window)
	r.state = ReceiverWaiting
	r.resetTimer()
}

// enqueueAck builds the C=0 ACK for window w from its (possibly truncated)
// compressed bitmap and caches it for duplicate ACK-REQs.
func (r *Receiver) enqueueAck(w int) {
	bm := r.bitmapFor(w)
	src := bm
	if r.lastWindow && r.gotAll1 && w == r.window {
		// Final window: the bitmap in use stops at the All-1's slot.
		cut := r.p.WindowSize - r.all1FCN
		src = bitmap.FromBits(bm.Bits()[:cut])
	}
	ack := &wire.Ack{
		Header: r.head(w),
		C:      false,
		Bitmap: src.GenerateCompress(r.p.HeaderBitsThroughC(), r.p.L2Word),
	}
	r.ackCache[w] = ack
	r.queue = append(r.queue, ack)
	r.attempts++
}

// advanceTo steps the absolute window forward until its wrapped index
// matches the one on the wire, resetting per-window expectations.
func (r *Receiver) advanceTo(wrapped int) {
	steps := 1 << uint(r.p.M)
	for i := 0; i < steps; i++ {
		r.window++
		if wrapWindow(r.p, r.window) == wrapped {
			break
		}
	}
	r.expectedFCN = r.p.WindowSize - 1
	r.log.Debugf("receiver: advanced to window %d", wrapped)
}

// OnTimer is the inactivity timer callback: the sender has gone quiet past
// the profile's budget, so the session aborts.
func (r *Receiver) OnTimer() {
	if r.state == ReceiverEnd || r.state == ReceiverError {
		return
	}
	r.err = schcerr.New(schcerr.InactivityTimeout, "no fragment within %s", r.p.InactivityTimeout)
	r.log.Errorf("receiver: %v", r.err)
	r.queue = []wire.Message{&wire.ReceiverAbort{Header: r.head(r.window)}}
	r.state = ReceiverError
	r.stopTimer()
}
