package randpatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrevoteSignAndRecover(t *testing.T) {
	p1 := GenLocalSignatureProvider()
	p2 := GenLocalSignatureProvider()

	data := PrevoteData{
		RoundNum:  3,
		BaseBlock: BlockIDFromNum(1, []byte("base")),
		Blocks:    []BlockID{BlockIDFromNum(2, []byte("b2")), BlockIDFromNum(3, []byte("b3"))},
	}
	unsigned := PrevoteMsg{Data: data}
	sigs, err := SignWith([]SignatureProvider{p1, p2}, unsigned.Digest())
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	msg := PrevoteMsg{Data: data, Signatures: sigs}
	keys, err := msg.PublicKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []PubKey{p1.PublicKey(), p2.PublicKey()}, keys)
}

func TestPrevoteSplitBySignature(t *testing.T) {
	p1 := GenLocalSignatureProvider()
	p2 := GenLocalSignatureProvider()

	data := PrevoteData{RoundNum: 1, BaseBlock: BlockIDFromNum(1, nil)}
	unsigned := PrevoteMsg{Data: data}
	sigs, err := SignWith([]SignatureProvider{p1, p2}, unsigned.Digest())
	require.NoError(t, err)

	msg := PrevoteMsg{Data: data, Signatures: sigs}
	split := msg.SplitBySignature()
	require.Len(t, split, 2)
	for _, s := range split {
		assert.Len(t, s.Signatures, 1)
		assert.Equal(t, data, s.Data)
	}
}

func TestDigestDiffersByKind(t *testing.T) {
	id := BlockIDFromNum(1, []byte("x"))
	prevote := PrevoteMsg{Data: PrevoteData{RoundNum: 1, BaseBlock: id}}
	precommit := PrecommitMsg{Data: PrecommitData{RoundNum: 1, BlockID: id}}
	assert.NotEqual(t, prevote.Digest(), precommit.Digest())
}

func TestBlockNum(t *testing.T) {
	id := BlockIDFromNum(42, []byte("suffix"))
	assert.Equal(t, uint32(42), BlockNum(id))
}

// TestGossipKeyDistinguishesSignersOverIdenticalData guards against the one
// natural way to get this wrong: every block producer prevotes the same
// round/base/blocks, so a dedup key built from Digest() alone (which
// excludes the signature, by design, so signing stays deterministic) would
// wrongly treat two different signers' votes as the same message.
func TestGossipKeyDistinguishesSignersOverIdenticalData(t *testing.T) {
	p1 := GenLocalSignatureProvider()
	p2 := GenLocalSignatureProvider()

	data := PrevoteData{RoundNum: 1, BaseBlock: BlockIDFromNum(1, nil)}
	unsigned := PrevoteMsg{Data: data}
	digest := unsigned.Digest()

	sig1, err := p1.Sign(digest)
	require.NoError(t, err)
	sig2, err := p2.Sign(digest)
	require.NoError(t, err)

	m1 := PrevoteMsg{Data: data, Signatures: []Signature{sig1}}
	m2 := PrevoteMsg{Data: data, Signatures: []Signature{sig2}}

	assert.Equal(t, m1.Digest(), m2.Digest(), "signing digest is signature-free by design")
	assert.NotEqual(t, m1.GossipKey(), m2.GossipKey(), "gossip dedup key must distinguish signers")
}
