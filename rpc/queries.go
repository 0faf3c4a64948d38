package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"chainbft_finality/randpatypes"
	"chainbft_finality/round"
)

// ResultLib answers the "what's the last irreversible block" query,
// continuing rpc/consensus.go's ResultBlock-shaped JSON results.
type ResultLib struct {
	BlockID  randpatypes.BlockID `json:"block_id"`
	BlockNum uint32              `json:"block_num"`
}

func Lib(ctx *rpctypes.Context) (*ResultLib, error) {
	lib := env.Engine.Lib()
	return &ResultLib{BlockID: lib, BlockNum: randpatypes.BlockNum(lib)}, nil
}

// ResultRoundStatus answers "what is the engine doing right now", mirroring
// rpc/consensus.go's BlockTree shape but over the active round instead of
// the whole committed chain.
type ResultRoundStatus struct {
	HasActiveRound bool                `json:"has_active_round"`
	RoundNum       uint32              `json:"round_num,omitempty"`
	State          string              `json:"state,omitempty"`
	BestBlock      randpatypes.BlockID `json:"best_block,omitempty"`
	IsFrozen       bool                `json:"is_frozen"`
	IsSyncing      bool                `json:"is_syncing"`
}

func RoundStatus(ctx *rpctypes.Context) (*ResultRoundStatus, error) {
	res := &ResultRoundStatus{
		IsFrozen:  env.Engine.IsFrozen(),
		IsSyncing: env.Engine.IsSyncing(),
	}
	r := env.Engine.ActiveRound()
	if r == nil {
		return res, nil
	}
	res.HasActiveRound = true
	res.RoundNum = r.Num
	res.State = r.State().String()
	if best := r.BestNode(); best != nil {
		res.BestBlock = best.BlockID
	}
	return res, nil
}

// ResultProof wraps a finality certificate for a round, or an absent one.
type ResultProof struct {
	Found bool                  `json:"found"`
	Proof *randpatypes.ProofData `json:"proof,omitempty"`
}

// Proof answers a finality_req_proof-shaped query over RPC instead of the
// wire protocol, for local tooling that wants a round's certificate without
// standing up a peer session.
func Proof(ctx *rpctypes.Context, roundNum uint32) (*ResultProof, error) {
	r := env.Engine.ActiveRound()
	if r != nil && r.Num == roundNum && r.State() == round.StateDone {
		proof := r.ProofIfDone()
		return &ResultProof{Found: true, Proof: &proof}, nil
	}
	return &ResultProof{Found: false}, nil
}
