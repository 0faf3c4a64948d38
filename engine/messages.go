package engine

import (
	"time"

	"chainbft_finality/randpatypes"
)

// AcceptedBlockEvent is delivered on the event channel when the underlying
// chain accepts a new block.
type AcceptedBlockEvent struct {
	BlockID      randpatypes.BlockID
	PrevBlockID  randpatypes.BlockID
	CreatorKey   randpatypes.PubKey
	ActiveBPKeys *randpatypes.BPKeySet
	Sync         bool
}

// IrreversibleEvent advises a lower bound on the LIB from the host chain.
type IrreversibleEvent struct {
	BlockID randpatypes.BlockID
}

// NewPeerEvent announces a freshly connected transport session.
type NewPeerEvent struct {
	SesID string
}

// NetMsg is the net-msg channel envelope (spec §6): Data holds exactly one
// of the message union members below.
type NetMsg struct {
	SesID       string
	Data        interface{}
	ReceiveTime time.Time
}

// Expired reports whether the message has aged past msgExpiration relative
// to now.
func (m NetMsg) Expired(now time.Time, msgExpiration time.Duration) bool {
	return now.Sub(m.ReceiveTime) > msgExpiration
}

// FinalityNoticeMsg, FinalityReqProofMsg, HandshakeMsg, HandshakeAnsMsg and
// ProofMsg are all randpatypes types already; NetMsg.Data is asserted to
// one of: randpatypes.PrevoteMsg, randpatypes.PrecommitMsg,
// randpatypes.FinalityNoticeMsg, randpatypes.FinalityReqProofMsg,
// randpatypes.ProofMsg, randpatypes.HandshakeMsg, randpatypes.HandshakeAnsMsg.
