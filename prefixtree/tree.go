package prefixtree

import (
	"sync"

	"chainbft_finality/randpatypes"
)

// ErrNodeNotFound is returned by Insert when the named parent is absent from
// the tree, mirroring the teacher tree's ErrNoQueryBlock.
var ErrNodeNotFound = errNodeNotFound{}

type errNodeNotFound struct{}

func (errNodeNotFound) Error() string { return "prefixtree: node not found" }

// Node is a single candidate block in the fork tree. One parent, many
// children; exclusively owned by its parent, same as the teacher's treeNode.
type Node struct {
	BlockID       randpatypes.BlockID
	CreatorKey    randpatypes.PubKey
	ActiveBPKeys  *randpatypes.BPKeySet
	Confirmations map[randpatypes.PubKey]randpatypes.PrevoteMsg

	parent   *Node
	children []*Node
	seq      uint64 // insertion order, used to break GetHead ties deterministically
}

// ConfirmationNumber is |confirmation_data(N)| plus the confirmation numbers
// of every child: a vote on a descendant implicitly confirms every ancestor
// on the same fork.
func (n *Node) ConfirmationNumber() int {
	total := len(n.Confirmations)
	for _, c := range n.children {
		total += c.ConfirmationNumber()
	}
	return total
}

// Tree is the shared, engine-owned prefix-chain confirmation tree. The root
// is always the current last-irreversible block.
type Tree struct {
	mtx     sync.RWMutex
	root    *Node
	index   map[randpatypes.BlockID]*Node
	nextSeq uint64
}

// NewTree seeds a fresh tree whose single node is the given root block.
func NewTree(rootID randpatypes.BlockID, creator randpatypes.PubKey, activeBPKeys *randpatypes.BPKeySet) *Tree {
	root := &Node{
		BlockID:       rootID,
		CreatorKey:    creator,
		ActiveBPKeys:  activeBPKeys,
		Confirmations: map[randpatypes.PubKey]randpatypes.PrevoteMsg{},
	}
	t := &Tree{
		root:  root,
		index: map[randpatypes.BlockID]*Node{rootID: root},
	}
	return t
}

// Find looks up a node by block id. O(1) via the internal index.
func (t *Tree) Find(id randpatypes.BlockID) *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.index[id]
}

// Insert attaches a new child under parentID. Inserting an id already
// present in the tree is a no-op (not an error), matching spec semantics for
// re-gossiped blocks.
func (t *Tree) Insert(parentID, blockID randpatypes.BlockID, creator randpatypes.PubKey, activeBPKeys *randpatypes.BPKeySet) (*Node, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if existing, ok := t.index[blockID]; ok {
		return existing, nil
	}

	parent, ok := t.index[parentID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	t.nextSeq++
	node := &Node{
		BlockID:       blockID,
		CreatorKey:    creator,
		ActiveBPKeys:  activeBPKeys,
		Confirmations: map[randpatypes.PubKey]randpatypes.PrevoteMsg{},
		parent:        parent,
		seq:           t.nextSeq,
	}
	parent.children = append(parent.children, node)
	t.index[blockID] = node
	return node, nil
}

// ResolveConfirmationTarget finds the deepest node along blocks (scanned
// tail-to-head) that exists in the tree, falling back to baseBlock. This is
// the read-only half of add_confirmations: callers must check the returned
// node's ActiveBPKeys against the voter before calling WriteConfirmation, the
// same validate-then-mutate split the original keeps between
// round::validate_prevote and prefix_chain_tree::add_confirmations.
func (t *Tree) ResolveConfirmationTarget(baseBlock randpatypes.BlockID, blocks []randpatypes.BlockID) *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	target, ok := t.index[baseBlock]
	for i := len(blocks) - 1; i >= 0; i-- {
		if n, found := t.index[blocks[i]]; found {
			target = n
			ok = true
			break
		}
	}
	if !ok {
		return nil
	}
	return target
}

// WriteConfirmation records the voter's prevote at target, first-write-wins.
// Callers are responsible for authorizing voterKey against target.ActiveBPKeys
// before calling this; it performs no check of its own, so calling it before
// that check would record an unauthorized vote.
func (t *Tree) WriteConfirmation(target *Node, voterKey randpatypes.PubKey, msg randpatypes.PrevoteMsg) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, voted := target.Confirmations[voterKey]; !voted {
		target.Confirmations[voterKey] = msg
	}
}

// GetBranch returns the path from the child of the root down to blockID:
// (base_block = root id, blocks = root-exclusive path to blockID).
func (t *Tree) GetBranch(blockID randpatypes.BlockID) (randpatypes.BlockID, []randpatypes.BlockID) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	n, ok := t.index[blockID]
	if !ok {
		return t.root.BlockID, nil
	}

	var path []randpatypes.BlockID
	for cur := n; cur != nil && cur != t.root; cur = cur.parent {
		path = append([]randpatypes.BlockID{cur.BlockID}, path...)
	}
	return t.root.BlockID, path
}

// GetLastInsertedBlock returns the most recently inserted node whose
// creator key matches, or nil if none does.
func (t *Tree) GetLastInsertedBlock(creator randpatypes.PubKey) *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var best *Node
	t.walk(t.root, func(n *Node) {
		if n.CreatorKey == creator && (best == nil || n.seq > best.seq) {
			best = n
		}
	})
	return best
}

// GetHead returns the deepest descendant along the longest chain from the
// root; ties are broken deterministically by insertion order (first wins).
func (t *Tree) GetHead() *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	node, _ := deepest(t.root, 0)
	return node
}

// deepest returns the deepest node in n's subtree together with its depth
// relative to n. Ties prefer the candidate with the smaller insertion
// sequence, i.e. the first one ever inserted.
func deepest(n *Node, depth int) (*Node, int) {
	best, bestDepth := n, depth
	for _, c := range n.children {
		candidate, candidateDepth := deepest(c, depth+1)
		if candidateDepth > bestDepth || (candidateDepth == bestDepth && candidate.seq < best.seq) {
			best, bestDepth = candidate, candidateDepth
		}
	}
	return best, bestDepth
}

// SetRoot prunes every branch not containing node and makes it the new
// root. If node is absent from the tree, the tree is replaced outright with
// a single fresh root at that id (used when jumping to a remote LIB).
func (t *Tree) SetRoot(node *Node) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if node == nil {
		return
	}
	if _, ok := t.index[node.BlockID]; !ok {
		fresh := &Node{
			BlockID:       node.BlockID,
			CreatorKey:    node.CreatorKey,
			ActiveBPKeys:  node.ActiveBPKeys,
			Confirmations: map[randpatypes.PubKey]randpatypes.PrevoteMsg{},
		}
		t.root = fresh
		t.index = map[randpatypes.BlockID]*Node{fresh.BlockID: fresh}
		return
	}

	node.parent = nil
	t.root = node
	newIndex := map[randpatypes.BlockID]*Node{}
	t.walk(node, func(n *Node) {
		newIndex[n.BlockID] = n
	})
	t.index = newIndex
}

// RemoveConfirmations clears confirmation_data on every node in the tree.
// Confirmations are round-scoped; the engine calls this on every round
// rotation, across the whole tree, not just the retiring round's subtree.
func (t *Tree) RemoveConfirmations() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.walk(t.root, func(n *Node) {
		n.Confirmations = map[randpatypes.PubKey]randpatypes.PrevoteMsg{}
	})
}

// Root returns the current root node (the last-irreversible block).
func (t *Tree) Root() *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.root
}

// Size returns the number of nodes currently in the tree.
func (t *Tree) Size() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.index)
}

func (t *Tree) walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		t.walk(c, fn)
	}
}
