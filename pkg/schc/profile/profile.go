// Package profile holds the per-rule parameter tables the rest of the
// engine is generic over: bit widths, window size, tile size, word
// alignment, and the timer/attempt budgets. Keeping them in one value
// object behind constructors avoids scattering magic numbers through the
// codec and the state machines.
package profile

import (
	"time"

	"github.com/open-source-firmware/go-schc/pkg/schc/schcerr"
)

// RuleID identifies a fragmentation rule under the LoRaWAN profile. It is
// carried on the wire as the LoRaWAN FPort.
type RuleID int

const (
	// RuleAckOnError is the uplink mode: one ACK per window, N=6.
	RuleAckOnError RuleID = 20
	// RuleAckAlways is the downlink mode: one ACK per fragment, N=1.
	RuleAckAlways RuleID = 21
	// RuleReserved is never fragmentable; any attempt is a hard error.
	RuleReserved RuleID = 22
)

// Profile is a value object holding every constant a session needs for one
// (protocol, rule-id) pair.
type Profile struct {
	RuleID RuleID

	RuleSize int // bits used to carry RuleID on a non-LoRaWAN transport
	L2Word   int // alignment unit, 8 bits for LoRaWAN
	T        int // DTag field width in bits, 0 if absent
	M        int // W (window index) field width in bits
	N        int // FCN field width in bits
	U        int // RCS field width in bits

	WindowSize int // 2^N - 1
	TileSize   int // bits; size of every full tile (see PenultimateTileBits)

	MaxAckRequests        int
	InactivityTimeout     time.Duration
	RetransmissionTimeout time.Duration
}

// HeaderBitsThroughC returns H = rule_size + t + m + 1: the number of
// header bits up to and including the C bit, which the bitmap compression
// rule aligns against.
func (p Profile) HeaderBitsThroughC() int {
	return p.RuleSize + p.T + p.M + 1
}

// PenultimateTileBits returns the size, in bits, of the penultimate tile for
// this profile. It equals TileSize for Ack-on-Error and 0 (no penultimate
// tile) for Ack-Always.
func (p Profile) PenultimateTileBits() int {
	if p.RuleID == RuleAckOnError {
		return p.TileSize
	}
	return 0
}

// AllOnesWindow returns the window-index value with every M bit set, used
// to force W on Sender-Abort and Receiver-Abort frames.
func (p Profile) AllOnesWindow() int {
	if p.M == 0 {
		return 0
	}
	return (1 << uint(p.M)) - 1
}

// AllOnesFCN returns the FCN value with every N bit set: the All-1 Fragment
// and Sender-Abort marker.
func (p Profile) AllOnesFCN() int {
	return (1 << uint(p.N)) - 1
}

// LoRaWANAckOnError is RFC 9011's rule 20: uplink, ack-on-error, N=6.
var LoRaWANAckOnError = Profile{
	RuleID:                RuleAckOnError,
	RuleSize:              8,
	L2Word:                8,
	T:                     0,
	M:                     2,
	N:                     6,
	U:                     32,
	WindowSize:            63,
	TileSize:              80,
	MaxAckRequests:        8,
	InactivityTimeout:     5 * time.Second,
	RetransmissionTimeout: 30 * time.Second,
}

// LoRaWANAckAlways is RFC 9011's rule 21: downlink, ack-always, N=1. TileSize
// is not fixed by the profile; the device picks it to match the L2 word, so
// For must be used to supply it.
var LoRaWANAckAlways = Profile{
	RuleID:                RuleAckAlways,
	RuleSize:              8,
	L2Word:                8,
	T:                     0,
	M:                     1,
	N:                     1,
	U:                     32,
	WindowSize:            1,
	TileSize:              0,
	MaxAckRequests:        8,
	InactivityTimeout:     30 * time.Second,
	RetransmissionTimeout: 12 * time.Hour,
}

// For resolves a profile by rule id. tileSizeBits overrides TileSize for
// Ack-Always, where the device chooses a tile size that matches its L2
// word; it is ignored for Ack-on-Error, whose tile size is fixed by the
// rule. Rule 22 always fails with schcerr.NotSupported.
func For(rule RuleID, tileSizeBits int) (Profile, error) {
	switch rule {
	case RuleAckOnError:
		return LoRaWANAckOnError, nil
	case RuleAckAlways:
		p := LoRaWANAckAlways
		if tileSizeBits > 0 {
			p.TileSize = tileSizeBits
		}
		return p, nil
	case RuleReserved:
		return Profile{}, schcerr.New(schcerr.NotSupported, "rule 22 cannot fragment under the LoRaWAN profile")
	default:
		return Profile{}, schcerr.New(schcerr.NotSupported, "unknown rule id %d", rule)
	}
}
