// Package round implements the per-round BFT voting state machine:
// prevote -> precommit -> done/fail, with signature aggregation and
// threshold detection over the shared prefix tree.
package round

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"chainbft_finality/prefixtree"
	"chainbft_finality/randpatypes"
)

// State is the round's current step. Only a subset of the round's fields
// are meaningful in each state; see the comments on BestNode and Proof.
type State int

const (
	StateInit State = iota
	StatePrevote
	StateReadyToPrecommit
	StatePrecommit
	StateDone
	StateFail
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePrevote:
		return "prevote"
	case StateReadyToPrecommit:
		return "ready_to_precommit"
	case StatePrecommit:
		return "precommit"
	case StateDone:
		return "done"
	case StateFail:
		return "fail"
	default:
		return "unknown"
	}
}

// BroadcastPrevoteFunc and BroadcastPrecommitFunc are the round's two
// outbound hooks: the engine supplies closures that gossip the aggregated,
// locally-signed message to peers. They must not block.
type BroadcastPrevoteFunc func(randpatypes.PrevoteMsg)
type BroadcastPrecommitFunc func(randpatypes.PrecommitMsg)

// CompletionFunc is invoked exactly once, when the round's own precommits
// cross the threshold and it transitions to StateDone, so the engine can pull
// the proof and advance the LIB. MarkDoneExternally does not invoke it.
type CompletionFunc func(*Round)

// Round is the per-round state machine described in spec §4.2. It is owned
// by a single engine worker goroutine; none of its methods are safe to call
// concurrently from multiple goroutines.
type Round struct {
	mtx sync.Mutex

	Num     uint32
	Primary randpatypes.PubKey
	Tree    *prefixtree.Tree

	state    State
	Proof    randpatypes.ProofData
	bestNode *prefixtree.Node

	providers []randpatypes.SignatureProvider

	onPrevote   BroadcastPrevoteFunc
	onPrecommit BroadcastPrecommitFunc
	onComplete  CompletionFunc

	prevotedKeys   map[randpatypes.PubKey]struct{}
	precommitedKeys map[randpatypes.PubKey]struct{}

	logger log.Logger
}

// New constructs a round for round number num, seeded by primary's last
// produced block, and immediately drives it into the prevote state exactly
// as the spec's construction step requires.
func New(
	num uint32,
	primary randpatypes.PubKey,
	tree *prefixtree.Tree,
	providers []randpatypes.SignatureProvider,
	onPrevote BroadcastPrevoteFunc,
	onPrecommit BroadcastPrecommitFunc,
	onComplete CompletionFunc,
	logger log.Logger,
) *Round {
	r := &Round{
		Num:             num,
		Primary:         primary,
		Tree:            tree,
		state:           StateInit,
		providers:       providers,
		onPrevote:       onPrevote,
		onPrecommit:     onPrecommit,
		onComplete:      onComplete,
		prevotedKeys:    map[randpatypes.PubKey]struct{}{},
		precommitedKeys: map[randpatypes.PubKey]struct{}{},
		logger:          logger,
	}
	r.Proof.RoundNum = num
	r.prevote()
	return r
}

// State returns the round's current step.
func (r *Round) State() State {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.state
}

// BestNode returns the subtree root fixed at the prevote threshold, or nil
// before StateReadyToPrecommit.
func (r *Round) BestNode() *prefixtree.Node {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.bestNode
}

// PrevotedKeys reports whether key already prevoted in this round.
func (r *Round) PrevotedKeys(key randpatypes.PubKey) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	_, ok := r.prevotedKeys[key]
	return ok
}

// PrecommitedKeys reports whether key already precommitted in this round.
func (r *Round) PrecommitedKeys(key randpatypes.PubKey) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	_, ok := r.precommitedKeys[key]
	return ok
}

// prevote requires state == init. It queries the tree for the branch
// ending at the primary's last inserted block; if absent it leaves the
// round in StatePrevote awaiting messages, otherwise it signs and
// self-injects a prevote once per local provider and broadcasts once.
func (r *Round) prevote() {
	if r.state != StateInit {
		panic(fmt.Sprintf("round: prevote() called from state %s, want init", r.state))
	}
	r.state = StatePrevote

	last := r.Tree.GetLastInsertedBlock(r.Primary)
	if last == nil {
		r.logger.Debug("round: primary has no inserted block yet, awaiting messages", "round", r.Num, "primary", r.Primary)
		return
	}

	base, blocks := r.Tree.GetBranch(last.BlockID)
	data := randpatypes.PrevoteData{RoundNum: r.Num, BaseBlock: base, Blocks: blocks}
	unsigned := randpatypes.PrevoteMsg{Data: data}
	sigs, err := randpatypes.SignWith(r.providers, unsigned.Digest())
	if err != nil {
		r.logger.Error("round: sign prevote failed", "round", r.Num, "err", err)
		return
	}
	if len(sigs) == 0 {
		return
	}

	msg := randpatypes.PrevoteMsg{Data: data, Signatures: sigs}
	for _, single := range msg.SplitBySignature() {
		if err := r.AddPrevote(single); err != nil {
			r.logger.Debug("round: self prevote rejected", "round", r.Num, "err", err)
		}
	}
	r.onPrevote(msg)
}

// AddPrevote validates and ingests a single-signature prevote message.
// Ingress is gated to {prevote, ready_to_precommit}; anything else is
// dropped as a protocol-level invalid message.
func (r *Round) AddPrevote(msg randpatypes.PrevoteMsg) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(msg.Signatures) != 1 {
		panic("round: AddPrevote requires exactly one signature")
	}
	if r.state != StatePrevote && r.state != StateReadyToPrecommit {
		return errors.Errorf("round: prevote ingress closed in state %s", r.state)
	}
	if msg.Data.RoundNum != r.Num {
		return errors.Errorf("round: prevote round mismatch, want %d got %d", r.Num, msg.Data.RoundNum)
	}

	keys, err := msg.PublicKeys()
	if err != nil {
		return errors.Wrap(err, "round: recover prevote signer")
	}
	voter := keys[0]

	if _, dup := r.prevotedKeys[voter]; dup {
		return errors.Errorf("round: duplicate prevote from %s", voter)
	}

	node := r.Tree.ResolveConfirmationTarget(msg.Data.BaseBlock, msg.Data.Blocks)
	if node == nil {
		return errors.New("round: prevote targets unknown block")
	}
	if !node.ActiveBPKeys.Has(voter) {
		return errors.Errorf("round: %s is not an active BP at the prevote target", voter)
	}
	r.Tree.WriteConfirmation(node, voter, msg)

	r.prevotedKeys[voter] = struct{}{}

	if r.state != StateReadyToPrecommit && prevoteThresholdMet(node) {
		r.state = StateReadyToPrecommit
		r.bestNode = node
	}
	return nil
}

// prevoteThresholdMet implements confirmation_number(node) > floor(2/3 *
// |active_bp_keys(node)|).
func prevoteThresholdMet(node *prefixtree.Node) bool {
	return node.ConfirmationNumber() > (2*node.ActiveBPKeys.Size())/3
}

// EndPrevote is called externally at the prevote-window boundary. If the
// round never reached the threshold it fails; otherwise it materializes the
// proof's prevote half and drives precommit().
func (r *Round) EndPrevote() {
	r.mtx.Lock()
	if r.state != StateReadyToPrecommit {
		r.state = StateFail
		r.mtx.Unlock()
		return
	}
	r.Proof.RoundNum = r.Num
	r.Proof.BestBlock = r.bestNode.BlockID
	r.Proof.Prevotes = make([]randpatypes.PrevoteMsg, 0, len(r.bestNode.Confirmations))
	for _, pv := range r.bestNode.Confirmations {
		r.Proof.Prevotes = append(r.Proof.Prevotes, pv)
	}
	r.mtx.Unlock()

	r.precommit()
}

// precommit signs a precommit over bestNode once per local provider,
// self-injects each, and broadcasts once.
func (r *Round) precommit() {
	r.mtx.Lock()
	r.state = StatePrecommit
	best := r.bestNode.BlockID
	r.mtx.Unlock()

	data := randpatypes.PrecommitData{RoundNum: r.Num, BlockID: best}
	unsigned := randpatypes.PrecommitMsg{Data: data}
	sigs, err := randpatypes.SignWith(r.providers, unsigned.Digest())
	if err != nil {
		r.logger.Error("round: sign precommit failed", "round", r.Num, "err", err)
		return
	}
	if len(sigs) == 0 {
		return
	}

	msg := randpatypes.PrecommitMsg{Data: data, Signatures: sigs}
	for _, single := range msg.SplitBySignature() {
		if err := r.AddPrecommit(single); err != nil {
			r.logger.Debug("round: self precommit rejected", "round", r.Num, "err", err)
		}
	}
	r.onPrecommit(msg)
}

// AddPrecommit validates and ingests a single-signature precommit message.
// Ingress is gated to {ready_to_precommit, precommit}.
func (r *Round) AddPrecommit(msg randpatypes.PrecommitMsg) error {
	r.mtx.Lock()

	if len(msg.Signatures) != 1 {
		panic("round: AddPrecommit requires exactly one signature")
	}
	if r.state != StateReadyToPrecommit && r.state != StatePrecommit {
		r.mtx.Unlock()
		return errors.Errorf("round: precommit ingress closed in state %s", r.state)
	}
	if msg.Data.RoundNum != r.Num {
		r.mtx.Unlock()
		return errors.Errorf("round: precommit round mismatch, want %d got %d", r.Num, msg.Data.RoundNum)
	}

	keys, err := msg.PublicKeys()
	if err != nil {
		r.mtx.Unlock()
		return errors.Wrap(err, "round: recover precommit signer")
	}
	voter := keys[0]

	if _, dup := r.precommitedKeys[voter]; dup {
		r.mtx.Unlock()
		return errors.Errorf("round: duplicate precommit from %s", voter)
	}
	if r.bestNode == nil || !msg.Data.BlockID.Equal(r.bestNode.BlockID) {
		r.mtx.Unlock()
		return errors.New("round: precommit targets a block other than best_node")
	}
	if _, prevoted := r.bestNode.Confirmations[voter]; !prevoted {
		r.mtx.Unlock()
		return errors.Errorf("round: precommit from non-prevoter %s", voter)
	}
	if !r.bestNode.ActiveBPKeys.Has(voter) {
		r.mtx.Unlock()
		return errors.Errorf("round: %s is not an active BP at best_node", voter)
	}

	r.precommitedKeys[voter] = struct{}{}
	r.Proof.Precommits = append(r.Proof.Precommits, msg)

	done := false
	if r.state != StateDone && precommitThresholdMet(len(r.Proof.Precommits), r.bestNode) {
		r.state = StateDone
		done = true
	}
	r.mtx.Unlock()

	if done {
		r.onComplete(r)
	}
	return nil
}

// precommitThresholdMet implements |proof.precommits| > floor(2/3 *
// |active_bp_keys(best_node)|).
func precommitThresholdMet(n int, best *prefixtree.Node) bool {
	return n > (2*best.ActiveBPKeys.Size())/3
}

// Finish reports whether the round reached done; if not, it transitions to
// fail and returns false. Fetching the proof before Finish returns true is
// an invariant violation (programmer error), matching spec §7.
func (r *Round) Finish() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state != StateDone {
		r.state = StateFail
		return false
	}
	return true
}

// MarkDoneExternally force-completes the round when an external proof for
// the same round number arrives before the local vote reached threshold
// (spec §4.3's "mark local round done if round numbers match"). Unlike
// Finish, this never demotes the round to fail.
func (r *Round) MarkDoneExternally() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state != StateDone {
		r.state = StateDone
	}
}

// ProofIfDone returns the completed proof. Callers must only call this
// after Finish() returned true; calling earlier panics, matching the
// "fetch proof before done" invariant violation in spec §7.
func (r *Round) ProofIfDone() randpatypes.ProofData {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state != StateDone {
		panic("round: ProofIfDone called before state == done")
	}
	return r.Proof
}
