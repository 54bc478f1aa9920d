package wire

import (
	"github.com/open-source-firmware/go-schc/pkg/schc/bitio"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/schcerr"
)

// ProfileResolver looks up the profile in use for a rule id, the way the
// dispatcher's session table does. Parse takes one instead of a bare
// profile.Profile because the Ack-Always tile size is chosen by the device
// rather than fixed by the rule, so the resolver is usually a closure over
// the dispatcher's configured tile size.
type ProfileResolver func(ruleID int) (profile.Profile, error)

// Parse disambiguates an inbound (fport, payload) pair into one of the six
// message kinds and the profile it was decoded against: total bit length
// plus the N bits following the common header decide the kind. The order
// below matters:
//
//  1. a message of exactly one padded C-bit header plus one extra L2 word,
//     all ones after the header, is a Receiver-Abort (its deliberate
//     padding-rule violation is what makes it recognisable);
//  2. FCN = all-ones is an All-1 Fragment when an RCS fits behind it,
//     otherwise a Sender-Abort (for N=1 the minimal form is returned as an
//     ACK with C=1; the two are the same bits on the wire, and the
//     receiver machine resolves the W=all-ones case);
//  3. room for at least one whole tile behind the FCN makes a Regular
//     Fragment;
//  4. the minimal word-aligned frame with nothing but zeros after the
//     header is an ACK-REQ;
//  5. everything else is an ACK, C deciding whether a bitmap follows.
func Parse(fport byte, payload []byte, resolve ProfileResolver) (Message, profile.Profile, error) {
	ruleID := int(fport)
	p, err := resolve(ruleID)
	if err != nil {
		return nil, profile.Profile{}, err
	}

	full := make([]byte, 0, len(payload)+1)
	full = append(full, fport)
	full = append(full, payload...)
	totalBits := len(full) * 8

	r := bitio.NewReader(full)
	h := Header{RuleID: ruleID}

	if _, err := r.ReadBits(p.RuleSize); err != nil {
		return nil, p, schcerr.New(schcerr.Malformed, "short common header: %v", err)
	}
	if p.T > 0 {
		v, err := r.ReadBits(p.T)
		if err != nil {
			return nil, p, schcerr.New(schcerr.Malformed, "short dtag field: %v", err)
		}
		h.DTag = int(v)
	}
	if p.M > 0 {
		v, err := r.ReadBits(p.M)
		if err != nil {
			return nil, p, schcerr.New(schcerr.Malformed, "short window field: %v", err)
		}
		h.Window = int(v)
	}

	headerBits := r.BitPos()
	remaining := totalBits - headerBits
	if remaining < p.N {
		return nil, p, schcerr.New(schcerr.Malformed, "message shorter than common header plus fcn field")
	}

	// Receiver-Abort: the padded C-bit header plus exactly one extra L2
	// word, every bit after the common header set.
	abortBits := padTo(headerBits+1, p.L2Word) + p.L2Word
	if totalBits == abortBits && h.Window == p.AllOnesWindow() && allRemainingBitsSet(full, headerBits) {
		return &ReceiverAbort{Header: h}, p, nil
	}

	peek := bitio.NewReader(full)
	_, _ = peek.ReadBits(headerBits)
	code, _ := peek.ReadBits(p.N)
	fragSpace := remaining - p.N

	if int(code) == p.AllOnesFCN() {
		if fragSpace >= p.U {
			_, _ = r.ReadBits(p.N)
			rcsVal, err := r.ReadBits(p.U)
			if err != nil {
				return nil, p, schcerr.New(schcerr.Malformed, "short rcs field: %v", err)
			}
			body, err := r.ReadBytes((fragSpace - p.U) / 8)
			if err != nil {
				return nil, p, schcerr.New(schcerr.Malformed, "short all-1 payload: %v", err)
			}
			return &All1Fragment{Header: h, RCS: uint32(rcsVal), Payload: body}, p, nil
		}
		if p.N == 1 {
			// With a one-bit FCN the minimal Sender-Abort and the short
			// C=1 ACK are byte-identical; hand back the ACK form and let
			// the state machine decide by direction and window.
			return &Ack{Header: h, C: true}, p, nil
		}
		return &SenderAbort{Header: h}, p, nil
	}

	if p.TileSize > 0 && fragSpace >= p.TileSize {
		_, _ = r.ReadBits(p.N)
		body, err := r.ReadBytes(fragSpace / 8)
		if err != nil {
			return nil, p, schcerr.New(schcerr.Malformed, "short regular fragment payload: %v", err)
		}
		return &RegularFragment{Header: h, FCN: int(code), Payload: body}, p, nil
	}

	if totalBits == padTo(headerBits+p.N, p.L2Word) && allRemainingBitsClear(full, headerBits) {
		return &AckReq{Header: h}, p, nil
	}

	c, err := r.ReadBool()
	if err != nil {
		return nil, p, schcerr.New(schcerr.Malformed, "message has no room for an ack c bit")
	}
	if c {
		return &Ack{Header: h, C: true}, p, nil
	}
	bits := make([]bool, r.Remaining())
	for i := range bits {
		b, _ := r.ReadBool()
		bits[i] = b
	}
	return &Ack{Header: h, C: false, Bitmap: bits}, p, nil
}

func padTo(bits, word int) int {
	if word <= 0 {
		return bits
	}
	if rem := bits % word; rem != 0 {
		bits += word - rem
	}
	return bits
}

func allRemainingBitsSet(buf []byte, skip int) bool {
	r := bitio.NewReader(buf)
	_, _ = r.ReadBits(skip)
	for r.Remaining() > 0 {
		b, err := r.ReadBool()
		if err != nil || !b {
			return false
		}
	}
	return true
}

func allRemainingBitsClear(buf []byte, skip int) bool {
	r := bitio.NewReader(buf)
	_, _ = r.ReadBits(skip)
	for r.Remaining() > 0 {
		b, err := r.ReadBool()
		if err != nil || b {
			return false
		}
	}
	return true
}
