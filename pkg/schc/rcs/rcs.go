// Package rcs computes the Reassembly Check Sequence: a CRC-32 (IEEE 802.3
// polynomial, reflected, init/xorout 0xFFFFFFFF, the same definition as
// Go's hash/crc32.ChecksumIEEE) over the reassembled payload after padding.
package rcs

import (
	"hash/crc32"

	"github.com/open-source-firmware/go-schc/pkg/schc/bitio"
)

// Compute returns the RCS over residueBits (an optional compression residue
// supplied by the header-compression layer, zero-length when there is none)
// followed by payload, right-padded with zero bits to a multiple of l2Word
// bits. The padding is canonical, the minimal number of zero bits needed,
// so Compute is idempotent: padding payload out to the word boundary
// yourself before calling it does not change the result.
func Compute(residueBits []bool, payload []byte, l2Word int) uint32 {
	w := &bitio.Writer{}
	for _, bit := range residueBits {
		w.WriteBool(bit)
	}
	w.WriteBytes(payload)
	w.PadZeroTo(l2Word)
	return crc32.ChecksumIEEE(w.Bytes())
}
