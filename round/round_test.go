package round

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"chainbft_finality/prefixtree"
	"chainbft_finality/randpatypes"
)

func testLogger() log.Logger { return log.NewNopLogger() }

func blockID(n uint32) randpatypes.BlockID {
	return randpatypes.BlockIDFromNum(n, []byte{byte(n)})
}

// setup builds a tree rooted at block 0 with a chain B1<-B2<-B3, all BPs
// active on every node, and returns the tree plus the BP providers.
func setup(t *testing.T, numBPs int) (*prefixtree.Tree, []randpatypes.SignatureProvider, *randpatypes.BPKeySet) {
	providers := make([]randpatypes.SignatureProvider, numBPs)
	keys := make([]randpatypes.PubKey, numBPs)
	for i := range providers {
		p := randpatypes.GenLocalSignatureProvider()
		providers[i] = p
		keys[i] = p.PublicKey()
	}
	bps := randpatypes.NewBPKeySet(keys)

	tree := prefixtree.NewTree(blockID(0), randpatypes.PubKey{}, bps)
	prev := blockID(0)
	for i := uint32(1); i <= 3; i++ {
		cur := blockID(i)
		_, err := tree.Insert(prev, cur, providers[0].PublicKey(), bps)
		require.NoError(t, err)
		prev = cur
	}
	return tree, providers, bps
}

func signPrevote(t *testing.T, p randpatypes.SignatureProvider, roundNum uint32, base randpatypes.BlockID, blocks []randpatypes.BlockID) randpatypes.PrevoteMsg {
	data := randpatypes.PrevoteData{RoundNum: roundNum, BaseBlock: base, Blocks: blocks}
	unsigned := randpatypes.PrevoteMsg{Data: data}
	sigs, err := randpatypes.SignWith([]randpatypes.SignatureProvider{p}, unsigned.Digest())
	require.NoError(t, err)
	return randpatypes.PrevoteMsg{Data: data, Signatures: sigs}
}

func signPrecommit(t *testing.T, p randpatypes.SignatureProvider, roundNum uint32, best randpatypes.BlockID) randpatypes.PrecommitMsg {
	data := randpatypes.PrecommitData{RoundNum: roundNum, BlockID: best}
	unsigned := randpatypes.PrecommitMsg{Data: data}
	sigs, err := randpatypes.SignWith([]randpatypes.SignatureProvider{p}, unsigned.Digest())
	require.NoError(t, err)
	return randpatypes.PrecommitMsg{Data: data, Signatures: sigs}
}

// newIdleRound builds a round with no local providers (so construction
// does not self-vote), for tests that drive prevotes/precommits entirely
// via injected messages.
func newIdleRound(tree *prefixtree.Tree) *Round {
	var completed []*Round
	r := New(0, randpatypes.PubKey{}, tree, nil,
		func(randpatypes.PrevoteMsg) {},
		func(randpatypes.PrecommitMsg) {},
		func(rr *Round) { completed = append(completed, rr) },
		testLogger())
	return r
}

func TestHappyPathFourBPsThresholdThree(t *testing.T) {
	tree, providers, _ := setup(t, 4)
	r := newIdleRound(tree)

	base, blocks := tree.GetBranch(blockID(3))
	for i := 0; i < 3; i++ {
		msg := signPrevote(t, providers[i], 0, base, blocks)
		require.NoError(t, r.AddPrevote(msg.SplitBySignature()[0]))
	}
	assert.Equal(t, StateReadyToPrecommit, r.State())
	require.NotNil(t, r.BestNode())
	assert.Equal(t, blockID(3), r.BestNode().BlockID)

	completions := 0
	r.onComplete = func(rr *Round) { completions++ }
	r.EndPrevote()

	for i := 0; i < 3; i++ {
		msg := signPrecommit(t, providers[i], 0, blockID(3))
		require.NoError(t, r.AddPrecommit(msg.SplitBySignature()[0]))
	}

	assert.Equal(t, StateDone, r.State())
	assert.Equal(t, 1, completions)
	proof := r.ProofIfDone()
	assert.Equal(t, blockID(3), proof.BestBlock)
	assert.Len(t, proof.Prevotes, 3)
	assert.Len(t, proof.Precommits, 3)
}

func TestThresholdExactlyTwoThirdsFails(t *testing.T) {
	tree, providers, _ := setup(t, 6)
	r := newIdleRound(tree)
	base, blocks := tree.GetBranch(blockID(3))

	for i := 0; i < 4; i++ {
		msg := signPrevote(t, providers[i], 0, base, blocks)
		require.NoError(t, r.AddPrevote(msg.SplitBySignature()[0]))
	}
	assert.Equal(t, StatePrevote, r.State(), "4 > floor(2/3*6)=4 is false, threshold must not cross")

	msg := signPrevote(t, providers[4], 0, base, blocks)
	require.NoError(t, r.AddPrevote(msg.SplitBySignature()[0]))
	assert.Equal(t, StateReadyToPrecommit, r.State(), "5 > 4 crosses the threshold")
}

func TestDuplicateVoterOnlyFirstRecorded(t *testing.T) {
	tree, providers, _ := setup(t, 4)
	r := newIdleRound(tree)
	base, blocks := tree.GetBranch(blockID(3))

	msg1 := signPrevote(t, providers[0], 0, base, blocks)
	require.NoError(t, r.AddPrevote(msg1.SplitBySignature()[0]))

	shortBlocks := blocks[:1]
	msg2 := signPrevote(t, providers[0], 0, base, shortBlocks)
	err := r.AddPrevote(msg2.SplitBySignature()[0])
	assert.Error(t, err)
	assert.True(t, r.PrevotedKeys(providers[0].PublicKey()))
}

func TestUnknownBlockPrevoteDropped(t *testing.T) {
	tree, providers, _ := setup(t, 4)
	r := newIdleRound(tree)

	unknown := blockID(99)
	msg := signPrevote(t, providers[0], 0, unknown, []randpatypes.BlockID{blockID(98)})
	err := r.AddPrevote(msg.SplitBySignature()[0])
	assert.Error(t, err)
	assert.Equal(t, StatePrevote, r.State())
}

func TestPrecommitWithoutPrevoteDropped(t *testing.T) {
	tree, providers, _ := setup(t, 5)
	r := newIdleRound(tree)
	base, blocks := tree.GetBranch(blockID(3))

	for i := 0; i < 4; i++ {
		msg := signPrevote(t, providers[i], 0, base, blocks)
		require.NoError(t, r.AddPrevote(msg.SplitBySignature()[0]))
	}
	require.Equal(t, StateReadyToPrecommit, r.State())

	msg := signPrecommit(t, providers[4], 0, blockID(3))
	err := r.AddPrecommit(msg.SplitBySignature()[0])
	assert.Error(t, err, "provider 4 never prevoted, so its precommit must be rejected")
}

// TestNonActiveBPPrevoteRejectedLeavesConfirmationNumberUnchanged guards
// against counting a vote from a key outside the target node's active BP
// set: the signature itself is perfectly valid, but authorization to be
// counted is a separate check, and a rejected vote must never have already
// been written into the tree.
func TestNonActiveBPPrevoteRejectedLeavesConfirmationNumberUnchanged(t *testing.T) {
	tree, providers, _ := setup(t, 4)
	r := newIdleRound(tree)
	base, blocks := tree.GetBranch(blockID(3))

	outsider := randpatypes.GenLocalSignatureProvider()
	msg := signPrevote(t, outsider, 0, base, blocks)
	err := r.AddPrevote(msg.SplitBySignature()[0])
	assert.Error(t, err, "a key outside the active BP set must be rejected")

	node := tree.Find(blockID(3))
	require.NotNil(t, node)
	assert.Equal(t, 0, node.ConfirmationNumber(), "a rejected vote must not have been written into the tree")
	assert.False(t, r.PrevotedKeys(outsider.PublicKey()))

	// a genuine BP vote afterwards must still count only itself, not the
	// outsider's rejected one, towards the threshold.
	genuine := signPrevote(t, providers[0], 0, base, blocks)
	require.NoError(t, r.AddPrevote(genuine.SplitBySignature()[0]))
	assert.Equal(t, 1, node.ConfirmationNumber())
}

func TestFinishWithoutDoneFails(t *testing.T) {
	tree, _, _ := setup(t, 4)
	r := newIdleRound(tree)
	assert.False(t, r.Finish())
	assert.Equal(t, StateFail, r.State())
	assert.Panics(t, func() { r.ProofIfDone() })
}

func TestReplayingPrevoteIsIdempotent(t *testing.T) {
	tree, providers, _ := setup(t, 4)
	r := newIdleRound(tree)
	base, blocks := tree.GetBranch(blockID(3))

	msg := signPrevote(t, providers[0], 0, base, blocks)
	single := msg.SplitBySignature()[0]
	require.NoError(t, r.AddPrevote(single))
	err := r.AddPrevote(single)
	assert.Error(t, err)
	assert.True(t, r.PrevotedKeys(providers[0].PublicKey()))
}
