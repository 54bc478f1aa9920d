package wire

import (
	"fmt"

	"github.com/open-source-firmware/go-schc/pkg/schc/bitio"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
)

func writeCommonHeader(w *bitio.Writer, p profile.Profile, h Header) {
	w.WriteBits(uint64(h.RuleID), p.RuleSize)
	if p.T > 0 {
		w.WriteBits(uint64(h.DTag), p.T)
	}
	if p.M > 0 {
		w.WriteBits(uint64(h.Window), p.M)
	}
}

// Encode serialises m to its full bit-exact wire form, including the
// RuleID field. The returned slice's length is always a multiple of
// p.L2Word/8.
func Encode(m Message, p profile.Profile) ([]byte, error) {
	w := &bitio.Writer{}

	switch msg := m.(type) {
	case *RegularFragment:
		if msg.FCN < 0 || msg.FCN > p.AllOnesFCN()-1 {
			return nil, fmt.Errorf("wire: regular fragment fcn %d out of range [0,%d]", msg.FCN, p.AllOnesFCN()-1)
		}
		writeCommonHeader(w, p, msg.Header)
		w.WriteBits(uint64(msg.FCN), p.N)
		w.WriteBytes(msg.Payload)
		w.PadZeroTo(p.L2Word)

	case *All1Fragment:
		writeCommonHeader(w, p, msg.Header)
		w.WriteBits(uint64(p.AllOnesFCN()), p.N)
		w.WriteBits(uint64(msg.RCS), p.U)
		w.WriteBytes(msg.Payload)
		w.PadZeroTo(p.L2Word)

	case *Ack:
		writeCommonHeader(w, p, msg.Header)
		w.WriteBool(msg.C)
		if !msg.C {
			for _, bit := range msg.Bitmap {
				w.WriteBool(bit)
			}
		}
		w.PadZeroTo(p.L2Word)

	case *AckReq:
		writeCommonHeader(w, p, msg.Header)
		w.WriteBits(0, p.N) // FCN = all-zeros
		w.PadZeroTo(p.L2Word)

	case *SenderAbort:
		h := msg.Header
		h.Window = p.AllOnesWindow()
		writeCommonHeader(w, p, h)
		w.WriteBits(uint64(p.AllOnesFCN()), p.N)
		w.PadZeroTo(p.L2Word)

	case *ReceiverAbort:
		h := msg.Header
		h.Window = p.AllOnesWindow()
		writeCommonHeader(w, p, h)
		w.WriteBool(true) // C = 1
		w.PadOneTo(p.L2Word)
		for i := 0; i < p.L2Word; i++ {
			w.WriteBool(true)
		}

	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}

	return w.Bytes(), nil
}

// AsBytes returns the LoRaWAN split form of m: FPort carries the RuleID
// field and is excluded from the returned payload. It requires p.RuleSize
// to be exactly one byte, which holds for every profile this engine
// supports. The full concatenated form and the (FPort, payload) pair are
// both derivable from one another, per encoder invariant (b).
func AsBytes(m Message, p profile.Profile) (fport byte, payload []byte, err error) {
	full, err := Encode(m, p)
	if err != nil {
		return 0, nil, err
	}
	if p.RuleSize != 8 {
		return 0, nil, fmt.Errorf("wire: AsBytes requires an 8-bit RuleID field, got %d", p.RuleSize)
	}
	if len(full) == 0 {
		return 0, nil, fmt.Errorf("wire: encoded message shorter than one byte")
	}
	return full[0], full[1:], nil
}
