package randpatypes

import (
	"crypto/sha256"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// digest hashes data together with a type tag, so identically-shaped
// payloads of different message kinds never collide on signature recovery.
func digest(kind string, data interface{}) [32]byte {
	bz, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write(bz)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// gossipKey folds the signatures into the signing digest, so that two
// distinct signers voting over the identical payload - the ordinary case,
// since every block producer prevotes the same round/base/blocks - hash to
// different keys. Digest() alone must stay signature-free so recovery is
// deterministic; the wire-dedup caches in engine need the opposite property
// and use this instead.
func gossipKey(d [32]byte, sigs []Signature) [32]byte {
	h := sha256.New()
	h.Write(d[:])
	for _, s := range sigs {
		h.Write(s[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ErrWrongSignatureCount is an invariant violation: callers that split a
// multi-signature message into single-signature pieces must never end up
// with anything but exactly one signature per piece.
var ErrWrongSignatureCount = errors.New("message must carry exactly one signature")

//
// Prevote
//

type PrevoteData struct {
	RoundNum  uint32    `json:"round_num"`
	BaseBlock BlockID   `json:"base_block"`
	Blocks    []BlockID `json:"blocks"`
}

type PrevoteMsg struct {
	Data       PrevoteData `json:"data"`
	Signatures []Signature `json:"signatures"`
}

func (m PrevoteMsg) Digest() [32]byte {
	return digest("prevote", m.Data)
}

func (m PrevoteMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}

// GossipKey identifies this exact signed vote for the self/peer dedup
// caches, distinct per signer even when the underlying Data is identical.
func (m PrevoteMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

// SplitBySignature decomposes an N-signature prevote into N single-signature
// prevotes, keeping per-key dedup in round/engine straightforward.
func (m PrevoteMsg) SplitBySignature() []PrevoteMsg {
	out := make([]PrevoteMsg, len(m.Signatures))
	for i, sig := range m.Signatures {
		out[i] = PrevoteMsg{Data: m.Data, Signatures: []Signature{sig}}
	}
	return out
}

//
// Precommit
//

type PrecommitData struct {
	RoundNum uint32  `json:"round_num"`
	BlockID  BlockID `json:"block_id"`
}

type PrecommitMsg struct {
	Data       PrecommitData `json:"data"`
	Signatures []Signature   `json:"signatures"`
}

func (m PrecommitMsg) Digest() [32]byte {
	return digest("precommit", m.Data)
}

func (m PrecommitMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}

// GossipKey identifies this exact signed vote for the self/peer dedup
// caches, distinct per signer even when the underlying Data is identical.
func (m PrecommitMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

func (m PrecommitMsg) SplitBySignature() []PrecommitMsg {
	out := make([]PrecommitMsg, len(m.Signatures))
	for i, sig := range m.Signatures {
		out[i] = PrecommitMsg{Data: m.Data, Signatures: []Signature{sig}}
	}
	return out
}

//
// Proof (finality certificate)
//

type ProofData struct {
	RoundNum   uint32         `json:"round_num"`
	BestBlock  BlockID        `json:"best_block"`
	Prevotes   []PrevoteMsg   `json:"prevotes"`
	Precommits []PrecommitMsg `json:"precommits"`
}

type ProofMsg struct {
	Data       ProofData   `json:"data"`
	Signatures []Signature `json:"signatures"`
}

func (m ProofMsg) Digest() [32]byte {
	return digest("proof", m.Data)
}

func (m ProofMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}

// GossipKey identifies this signed proof for the self/peer dedup caches.
func (m ProofMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

//
// Handshake
//

type HandshakeData struct {
	Lib BlockID `json:"lib"`
}

type HandshakeMsg struct {
	Data       HandshakeData `json:"data"`
	Signatures []Signature   `json:"signatures"`
}

func (m HandshakeMsg) Digest() [32]byte { return digest("handshake", m.Data) }
func (m HandshakeMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}
func (m HandshakeMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

type HandshakeAnsData struct {
	Lib BlockID `json:"lib"`
}

type HandshakeAnsMsg struct {
	Data       HandshakeAnsData `json:"data"`
	Signatures []Signature      `json:"signatures"`
}

func (m HandshakeAnsMsg) Digest() [32]byte { return digest("handshake_ans", m.Data) }
func (m HandshakeAnsMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}
func (m HandshakeAnsMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

//
// Finality gossip
//

type FinalityNoticeData struct {
	RoundNum  uint32  `json:"round_num"`
	BestBlock BlockID `json:"best_block"`
}

type FinalityNoticeMsg struct {
	Data       FinalityNoticeData `json:"data"`
	Signatures []Signature        `json:"signatures"`
}

func (m FinalityNoticeMsg) Digest() [32]byte { return digest("finality_notice", m.Data) }
func (m FinalityNoticeMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}
func (m FinalityNoticeMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

type FinalityReqProofData struct {
	RoundNum uint32 `json:"round_num"`
}

type FinalityReqProofMsg struct {
	Data       FinalityReqProofData `json:"data"`
	Signatures []Signature          `json:"signatures"`
}

func (m FinalityReqProofMsg) Digest() [32]byte { return digest("finality_req_proof", m.Data) }
func (m FinalityReqProofMsg) PublicKeys() ([]PubKey, error) {
	return recoverAll(m.Digest(), m.Signatures)
}
func (m FinalityReqProofMsg) GossipKey() [32]byte { return gossipKey(m.Digest(), m.Signatures) }

func recoverAll(dg [32]byte, sigs []Signature) ([]PubKey, error) {
	out := make([]PubKey, len(sigs))
	for i, sig := range sigs {
		pk, err := sig.Recover(dg)
		if err != nil {
			return nil, errors.Wrapf(err, "recover signature %d", i)
		}
		out[i] = pk
	}
	return out, nil
}

// SignWith produces a signature for each provider over digest dg, in the
// order providers were given. Used by round.prevote/round.precommit to sign
// once per local provider before injecting the vote locally and broadcasting.
func SignWith(providers []SignatureProvider, dg [32]byte) ([]Signature, error) {
	sigs := make([]Signature, len(providers))
	for i, p := range providers {
		sig, err := p.Sign(dg)
		if err != nil {
			return nil, errors.Wrapf(err, "sign with provider %d (%s)", i, p.PublicKey())
		}
		sigs[i] = sig
	}
	return sigs, nil
}
