// Package wire implements the bit-level SCHC message codec: the six
// message kinds, their header layout, the encoder, and the parser that
// disambiguates an incoming (rule_id, payload) pair into one of them.
// The message set is closed: an interface implemented by exactly the
// structs below, discriminated with Kind and a type switch rather than
// open-ended dynamic dispatch.
package wire

// Kind discriminates the six SCHC message types.
type Kind int

const (
	KindRegularFragment Kind = iota
	KindAll1Fragment
	KindAck
	KindAckReq
	KindSenderAbort
	KindReceiverAbort
)

func (k Kind) String() string {
	switch k {
	case KindRegularFragment:
		return "regular-fragment"
	case KindAll1Fragment:
		return "all-1-fragment"
	case KindAck:
		return "ack"
	case KindAckReq:
		return "ack-req"
	case KindSenderAbort:
		return "sender-abort"
	case KindReceiverAbort:
		return "receiver-abort"
	default:
		return "unknown"
	}
}

// Header is the common prefix shared by every message: RuleID is always
// present, DTag and Window are meaningful only when the profile's T and M
// are non-zero respectively (both are still carried as plain ints here;
// profile.Profile decides whether they are emitted on the wire).
type Header struct {
	RuleID int
	DTag   int
	Window int
}

// Message is the closed sum type every wire value implements. Kind lets
// callers (the FSMs) type-switch on the concrete struct without reflection.
type Message interface {
	Kind() Kind
	Head() Header
}

// RegularFragment carries one or more whole tiles of a window, identified
// by the fcn of its first tile (subsequent tiles decrement fcn by one each,
// implicitly, since tile size is fixed within a window).
type RegularFragment struct {
	Header
	FCN     int
	Payload []byte // concatenated tiles, a multiple of tile_size bits long
}

func (m *RegularFragment) Kind() Kind  { return KindRegularFragment }
func (m *RegularFragment) Head() Header { return m.Header }

// All1Fragment closes a window: it carries the RCS and, optionally, the
// window's last tile (which may be shorter than tile_size).
type All1Fragment struct {
	Header
	RCS     uint32
	Payload []byte // empty if nothing remained to send in this window
}

func (m *All1Fragment) Kind() Kind   { return KindAll1Fragment }
func (m *All1Fragment) Head() Header { return m.Header }

// Ack reports integrity (C=1, no bitmap) or a bitmap of missing tiles
// (C=0). Bitmap is nil when C is true.
type Ack struct {
	Header
	C      bool
	Bitmap []bool
}

func (m *Ack) Kind() Kind   { return KindAck }
func (m *Ack) Head() Header { return m.Header }

// AckReq asks the peer to (re)send the ACK for the window named by Header.Window.
type AckReq struct {
	Header
}

func (m *AckReq) Kind() Kind   { return KindAckReq }
func (m *AckReq) Head() Header { return m.Header }

// SenderAbort is emitted by the sender to force both peers into Error.
type SenderAbort struct {
	Header
}

func (m *SenderAbort) Kind() Kind   { return KindSenderAbort }
func (m *SenderAbort) Head() Header { return m.Header }

// ReceiverAbort is emitted by the receiver to force both peers into Error.
// Its wire encoding intentionally breaks the usual zero-padding rule (see
// Encode) so it cannot be confused with a short ACK even when t=0.
type ReceiverAbort struct {
	Header
}

func (m *ReceiverAbort) Kind() Kind   { return KindReceiverAbort }
func (m *ReceiverAbort) Head() Header { return m.Header }
