package prefixtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainbft_finality/randpatypes"
)

func id(n uint32) randpatypes.BlockID {
	return randpatypes.BlockIDFromNum(n, []byte{byte(n)})
}

func key(n byte) randpatypes.PubKey {
	var k randpatypes.PubKey
	k[0] = n
	return k
}

func newTestTree() (*Tree, randpatypes.BPKeySet) {
	bps := randpatypes.NewBPKeySet([]randpatypes.PubKey{key(1), key(2), key(3), key(4)})
	tree := NewTree(id(0), key(0), bps)
	return tree, *bps
}

func TestInsertAndFind(t *testing.T) {
	tree, bps := newTestTree()
	n1, err := tree.Insert(id(0), id(1), key(1), &bps)
	require.NoError(t, err)
	assert.Equal(t, id(1), n1.BlockID)
	assert.Same(t, n1, tree.Find(id(1)))
}

func TestInsertMissingParent(t *testing.T) {
	tree, bps := newTestTree()
	_, err := tree.Insert(id(99), id(1), key(1), &bps)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestInsertDuplicateIsNoOp(t *testing.T) {
	tree, bps := newTestTree()
	n1, err := tree.Insert(id(0), id(1), key(1), &bps)
	require.NoError(t, err)
	n1Again, err := tree.Insert(id(0), id(1), key(1), &bps)
	require.NoError(t, err)
	assert.Same(t, n1, n1Again)
}

func chain(t *testing.T, tree *Tree, bps *randpatypes.BPKeySet, from, to uint32) {
	for i := from; i <= to; i++ {
		_, err := tree.Insert(id(i-1), id(i), key(1), bps)
		require.NoError(t, err)
	}
}

// addConfirmation resolves then writes in one step, for tests that only care
// about storage behavior, not the caller-side BP authorization gate that
// round.AddPrevote applies between the two.
func addConfirmation(tree *Tree, baseBlock randpatypes.BlockID, blocks []randpatypes.BlockID, voterKey randpatypes.PubKey, msg randpatypes.PrevoteMsg) *Node {
	target := tree.ResolveConfirmationTarget(baseBlock, blocks)
	if target == nil {
		return nil
	}
	tree.WriteConfirmation(target, voterKey, msg)
	return target
}

func TestAddConfirmationsScansTailToHead(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 3)

	msg := randpatypes.PrevoteMsg{}
	node := addConfirmation(tree, id(0), []randpatypes.BlockID{id(1), id(2), id(99)}, key(1), msg)
	require.NotNil(t, node)
	assert.Equal(t, id(2), node.BlockID, "should bind to the deepest in-tree block, not the unknown tail")
}

func TestAddConfirmationsFallsBackToBase(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 1)

	msg := randpatypes.PrevoteMsg{}
	node := addConfirmation(tree, id(0), []randpatypes.BlockID{id(98), id(99)}, key(1), msg)
	require.NotNil(t, node)
	assert.Equal(t, id(0), node.BlockID)
}

func TestAddConfirmationsFirstWriteWins(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 1)

	first := randpatypes.PrevoteMsg{Data: randpatypes.PrevoteData{RoundNum: 1}}
	second := randpatypes.PrevoteMsg{Data: randpatypes.PrevoteData{RoundNum: 2}}
	addConfirmation(tree, id(0), []randpatypes.BlockID{id(1)}, key(1), first)
	addConfirmation(tree, id(0), []randpatypes.BlockID{id(1)}, key(1), second)

	node := tree.Find(id(1))
	require.NotNil(t, node)
	assert.Equal(t, uint32(1), node.Confirmations[key(1)].Data.RoundNum)
}

func TestConfirmationNumberAggregatesUpTheChain(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 3)

	addConfirmation(tree, id(0), []randpatypes.BlockID{id(1), id(2), id(3)}, key(1), randpatypes.PrevoteMsg{})
	addConfirmation(tree, id(0), []randpatypes.BlockID{id(1), id(2)}, key(2), randpatypes.PrevoteMsg{})

	n1 := tree.Find(id(1))
	n2 := tree.Find(id(2))
	n3 := tree.Find(id(3))
	assert.Equal(t, 1, n3.ConfirmationNumber())
	assert.Equal(t, 2, n2.ConfirmationNumber())
	assert.Equal(t, 2, n1.ConfirmationNumber())
}

func TestGetBranch(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 3)

	base, blocks := tree.GetBranch(id(3))
	assert.Equal(t, id(0), base)
	assert.Equal(t, []randpatypes.BlockID{id(1), id(2), id(3)}, blocks)
}

func TestGetLastInsertedBlock(t *testing.T) {
	tree, bps := newTestTree()
	_, err := tree.Insert(id(0), id(1), key(1), &bps)
	require.NoError(t, err)
	_, err = tree.Insert(id(1), id(2), key(1), &bps)
	require.NoError(t, err)

	last := tree.GetLastInsertedBlock(key(1))
	require.NotNil(t, last)
	assert.Equal(t, id(2), last.BlockID)
}

func TestGetHeadPrefersDeepestThenFirstInserted(t *testing.T) {
	tree, bps := newTestTree()
	_, err := tree.Insert(id(0), id(1), key(1), &bps)
	require.NoError(t, err)
	_, err = tree.Insert(id(1), id(2), key(1), &bps)
	require.NoError(t, err)
	// a sibling fork at the same depth, inserted later
	_, err = tree.Insert(id(1), id(20), key(1), &bps)
	require.NoError(t, err)

	head := tree.GetHead()
	assert.Equal(t, id(2), head.BlockID)
}

func TestSetRootPrunesOtherBranches(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 3)
	_, err := tree.Insert(id(1), id(20), key(1), &bps)
	require.NoError(t, err)

	newRoot := tree.Find(id(2))
	tree.SetRoot(newRoot)

	assert.Equal(t, id(2), tree.Root().BlockID)
	assert.Nil(t, tree.Find(id(1)))
	assert.Nil(t, tree.Find(id(20)))
	assert.NotNil(t, tree.Find(id(3)))
}

func TestSetRootUnknownNodeReplacesTree(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 3)

	fresh := &Node{BlockID: id(50), CreatorKey: key(9), ActiveBPKeys: &bps}
	tree.SetRoot(fresh)

	assert.Equal(t, id(50), tree.Root().BlockID)
	assert.Equal(t, 1, tree.Size())
}

func TestRemoveConfirmationsClearsWholeTree(t *testing.T) {
	tree, bps := newTestTree()
	chain(t, tree, &bps, 1, 2)
	addConfirmation(tree, id(0), []randpatypes.BlockID{id(1), id(2)}, key(1), randpatypes.PrevoteMsg{})

	tree.RemoveConfirmations()

	assert.Equal(t, 0, tree.Find(id(1)).ConfirmationNumber())
	assert.Equal(t, 0, tree.Find(id(2)).ConfirmationNumber())
}
