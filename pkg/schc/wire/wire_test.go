package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
)

func resolveAckOnError(ruleID int) (profile.Profile, error) {
	return profile.For(profile.RuleID(ruleID), 0)
}

func TestEncodeDecodeRegularFragment(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &RegularFragment{
		Header:  Header{RuleID: int(profile.RuleAckOnError), Window: 0},
		FCN:     62,
		Payload: make([]byte, 10),
	}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)
	assert.Equal(t, byte(20), fport)

	got, gotProfile, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	assert.Equal(t, p, gotProfile)
	rf, ok := got.(*RegularFragment)
	assert.True(t, ok)
	assert.Equal(t, m.FCN, rf.FCN)
	assert.Equal(t, m.Payload, rf.Payload)
}

func TestEncodeDecodeAll1Fragment(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &All1Fragment{
		Header:  Header{RuleID: int(profile.RuleAckOnError), Window: 0},
		RCS:     0xdeadbeef,
		Payload: []byte{0x01, 0x02, 0x03},
	}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	af, ok := got.(*All1Fragment)
	assert.True(t, ok)
	assert.Equal(t, m.RCS, af.RCS)
	assert.Equal(t, m.Payload, af.Payload)
}

func TestEncodeDecodeAckReq(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &AckReq{Header: Header{RuleID: int(profile.RuleAckOnError), Window: 1}}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	_, ok := got.(*AckReq)
	assert.True(t, ok)
	assert.Equal(t, 1, got.Head().Window)
}

func TestEncodeDecodeAckC1(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &Ack{Header: Header{RuleID: int(profile.RuleAckOnError), Window: 2}, C: true}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	ack, ok := got.(*Ack)
	assert.True(t, ok)
	assert.True(t, ack.C)
}

func TestEncodeDecodeAckC0WithBitmap(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &Ack{
		Header: Header{RuleID: int(profile.RuleAckOnError), Window: 0},
		C:      false,
		Bitmap: []bool{true, false, true, true, true, true, true, true, true, true, true, false, true},
	}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	ack, ok := got.(*Ack)
	assert.True(t, ok)
	assert.False(t, ack.C)
	assert.Equal(t, m.Bitmap, ack.Bitmap)
}

func TestEncodeDecodeSenderAbort(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &SenderAbort{Header: Header{RuleID: int(profile.RuleAckOnError), Window: 1}}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	sa, ok := got.(*SenderAbort)
	assert.True(t, ok)
	assert.Equal(t, p.AllOnesWindow(), sa.Window)
}

func TestEncodeDecodeReceiverAbort(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	m := &ReceiverAbort{Header: Header{RuleID: int(profile.RuleAckOnError), Window: 2}}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff}, body)

	got, _, err := Parse(fport, body, resolveAckOnError)
	assert.NoError(t, err)
	_, ok := got.(*ReceiverAbort)
	assert.True(t, ok)
}

func TestEveryEncodedMessageIsWordAligned(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	messages := []Message{
		&RegularFragment{Header: Header{RuleID: 20}, FCN: 10, Payload: make([]byte, 20)},
		&All1Fragment{Header: Header{RuleID: 20}, RCS: 1, Payload: []byte{1, 2}},
		&Ack{Header: Header{RuleID: 20}, C: true},
		&AckReq{Header: Header{RuleID: 20}},
		&SenderAbort{Header: Header{RuleID: 20}},
		&ReceiverAbort{Header: Header{RuleID: 20}},
	}
	for _, m := range messages {
		b, err := Encode(m, p)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(b)%(p.L2Word/8), "message %v not word-aligned", m.Kind())
	}
}

func TestRegularFragmentRoundTripsArbitraryPayloads(t *testing.T) {
	p, _ := profile.For(profile.RuleAckOnError, 0)
	rapid.Check(t, func(t *rapid.T) {
		tiles := rapid.IntRange(1, 5).Draw(t, "tiles")
		payload := rapid.SliceOfN(rapid.Byte(), tiles*10, tiles*10).Draw(t, "payload")
		fcn := rapid.IntRange(0, p.AllOnesFCN()-1).Draw(t, "fcn")
		win := rapid.IntRange(0, p.AllOnesWindow()-1).Draw(t, "window")

		m := &RegularFragment{Header: Header{RuleID: 20, Window: win}, FCN: fcn, Payload: payload}
		fport, body, err := AsBytes(m, p)
		if err != nil {
			t.Fatalf("AsBytes: %v", err)
		}
		got, _, err := Parse(fport, body, resolveAckOnError)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		rf, ok := got.(*RegularFragment)
		if !ok {
			t.Fatalf("got %T, want *RegularFragment", got)
		}
		if rf.FCN != fcn || rf.Window != win || string(rf.Payload) != string(payload) {
			t.Fatalf("round trip mismatch: got %+v", rf)
		}
	})
}

func resolveAckAlways(ruleID int) (profile.Profile, error) {
	return profile.For(profile.RuleID(ruleID), 80)
}

func TestAckAlwaysRegularFragmentRoundTrip(t *testing.T) {
	p, _ := profile.For(profile.RuleAckAlways, 80)
	m := &RegularFragment{
		Header:  Header{RuleID: int(profile.RuleAckAlways), Window: 1},
		FCN:     0,
		Payload: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)
	assert.Equal(t, byte(21), fport)

	got, _, err := Parse(fport, body, resolveAckAlways)
	assert.NoError(t, err)
	rf, ok := got.(*RegularFragment)
	assert.True(t, ok)
	assert.Equal(t, 0, rf.FCN)
	assert.Equal(t, 1, rf.Window)
	assert.Equal(t, m.Payload, rf.Payload)
}

func TestAckAlwaysAll1FragmentRoundTrip(t *testing.T) {
	p, _ := profile.For(profile.RuleAckAlways, 80)
	m := &All1Fragment{
		Header:  Header{RuleID: int(profile.RuleAckAlways), Window: 0},
		RCS:     0xCAFEBABE,
		Payload: []byte{0xAA, 0xBB, 0xCC},
	}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckAlways)
	assert.NoError(t, err)
	af, ok := got.(*All1Fragment)
	assert.True(t, ok)
	assert.Equal(t, m.RCS, af.RCS)
	assert.Equal(t, m.Payload, af.Payload)
}

func TestAckAlwaysAckReqRoundTrip(t *testing.T) {
	p, _ := profile.For(profile.RuleAckAlways, 80)
	m := &AckReq{Header: Header{RuleID: int(profile.RuleAckAlways), Window: 0}}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckAlways)
	assert.NoError(t, err)
	_, ok := got.(*AckReq)
	assert.True(t, ok)
}

func TestAckAlwaysAckWithBitmapRoundTrip(t *testing.T) {
	p, _ := profile.For(profile.RuleAckAlways, 80)
	m := &Ack{
		Header: Header{RuleID: int(profile.RuleAckAlways), Window: 1},
		C:      false,
		Bitmap: []bool{true},
	}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckAlways)
	assert.NoError(t, err)
	ack, ok := got.(*Ack)
	assert.True(t, ok)
	assert.False(t, ack.C)
	assert.True(t, ack.Bitmap[0])
}

func TestAckAlwaysSenderAbortParsesAsShortAck(t *testing.T) {
	// With a one-bit FCN the minimal Sender-Abort and the short C=1 ACK
	// share one encoding; the parser hands back the ACK form with W all-ones
	// and the receiver machine reinterprets it.
	p, _ := profile.For(profile.RuleAckAlways, 80)
	m := &SenderAbort{Header: Header{RuleID: int(profile.RuleAckAlways)}}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckAlways)
	assert.NoError(t, err)
	ack, ok := got.(*Ack)
	assert.True(t, ok)
	assert.True(t, ack.C)
	assert.Equal(t, p.AllOnesWindow(), ack.Window)
}

func TestAckAlwaysReceiverAbortRoundTrip(t *testing.T) {
	p, _ := profile.For(profile.RuleAckAlways, 80)
	m := &ReceiverAbort{Header: Header{RuleID: int(profile.RuleAckAlways)}}
	fport, body, err := AsBytes(m, p)
	assert.NoError(t, err)

	got, _, err := Parse(fport, body, resolveAckAlways)
	assert.NoError(t, err)
	_, ok := got.(*ReceiverAbort)
	assert.True(t, ok)
}
