// Package engine implements the round manager (spec §4.3, C4): the
// event/message pump that starts, advances and retires rounds from block
// events, dedups and gossips round-phase messages, and serves finality
// proofs on demand. It is the single owner of the prefix tree, the active
// round, the dedup caches, the peer table and the proof cache — all of
// them are touched only from its worker goroutine (async mode) or the
// caller's own goroutine (sync mode), continuing consensus/state.go's
// "one state machine, one owning goroutine" shape.
package engine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"chainbft_finality/bus"
	"chainbft_finality/config"
	"chainbft_finality/metrics"
	"chainbft_finality/prefixtree"
	"chainbft_finality/queue"
	"chainbft_finality/randpatypes"
	"chainbft_finality/round"
	"chainbft_finality/store"
)

// ErrFullNodeCannotSign is returned by SetSignatureProviders when called on
// a node running in ModeFullNode: the supplemented identity-mode guard from
// original_source's randpa.hpp (set_signature_providers asserts
// _is_block_producer).
var ErrFullNodeCannotSign = errors.New("engine: signature providers cannot be added to a full node")

// Engine is the round manager. Construct with New, register signature
// providers (block producers only) with SetSignatureProviders, then either
// run Start/Stop for the asynchronous single-worker mode or call
// ProcessEvent/ProcessNetMsg directly from the caller's own goroutine for
// the synchronous mode (spec §5).
type Engine struct {
	cfg    *config.Config
	logger log.Logger
	mtr    *metrics.Metrics

	tree         *prefixtree.Tree
	activeRound  *round.Round
	mode         config.Mode
	providers    []randpatypes.SignatureProvider
	providerKeys map[randpatypes.PubKey]struct{}
	store        *store.Store

	peersMtx sync.Mutex
	peers    map[randpatypes.PubKey]string // pubkey -> session id

	selfMessages *lru.Cache // digest -> struct{}
	peerMessages *lru.Cache // digest -> struct{}

	proofCacheMtx sync.Mutex
	proofCache    []randpatypes.ProofData // front = newest; bounded to cfg.ProofCacheDepth

	stateMtx             sync.Mutex
	isSyncing            bool
	isFrozen             bool
	lastProovedBlockNum  uint32

	netOut   *bus.NetOut
	finality *bus.Finality

	q        *queue.Queue
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs an engine rooted at genesisID with the given creator and
// active BP set. The tree's root is the last-irreversible block.
func New(
	cfg *config.Config,
	logger log.Logger,
	mtr *metrics.Metrics,
	genesisID randpatypes.BlockID,
	genesisCreator randpatypes.PubKey,
	genesisActiveBPKeys *randpatypes.BPKeySet,
) *Engine {
	selfCache, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		panic(err)
	}
	peerCache, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		panic(err)
	}
	if mtr == nil {
		mtr = metrics.NewMetrics(nil)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.ModeFullNode
	}
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		mtr:          mtr,
		tree:         prefixtree.NewTree(genesisID, genesisCreator, genesisActiveBPKeys),
		mode:         mode,
		providerKeys: map[randpatypes.PubKey]struct{}{},
		peers:        map[randpatypes.PubKey]string{},
		selfMessages: selfCache,
		peerMessages: peerCache,
		netOut:       bus.NewNetOut(),
		finality:     bus.NewFinality(),
		q:            queue.New(),
		done:         make(chan struct{}),
	}
}

// NewWithStore is New plus restart persistence: if st already has a saved
// LIB, it replaces genesisID as the tree's root, so a resuming node picks up
// where it left off instead of replaying the chain's true genesis; every
// subsequent LIB advance is persisted back through st. Passing a nil store
// behaves exactly like New. This is the wiring point a host chain's
// composition root calls instead of bare New when it wants restarts to
// survive.
func NewWithStore(
	cfg *config.Config,
	logger log.Logger,
	mtr *metrics.Metrics,
	genesisID randpatypes.BlockID,
	genesisCreator randpatypes.PubKey,
	genesisActiveBPKeys *randpatypes.BPKeySet,
	st *store.Store,
) *Engine {
	if st != nil {
		if saved, ok := st.LoadLib(); ok {
			genesisID = saved
		}
	}
	e := New(cfg, logger, mtr, genesisID, genesisCreator, genesisActiveBPKeys)
	e.store = st
	return e
}

// NetOut exposes the out-net channel for subscribers (the transport layer).
func (e *Engine) NetOut() *bus.NetOut { return e.netOut }

// Finality exposes the finality channel for subscribers.
func (e *Engine) Finality() *bus.Finality { return e.finality }

// SetSignatureProviders registers this node's local signing identity as
// block-producer; rejected on a full node (identity mode is fixed at
// construction per spec §9's resolved open question).
func (e *Engine) SetSignatureProviders(providers []randpatypes.SignatureProvider) error {
	if e.mode != config.ModeBlockProducer {
		return ErrFullNodeCannotSign
	}
	e.providers = append(e.providers, providers...)
	for _, p := range providers {
		e.providerKeys[p.PublicKey()] = struct{}{}
	}
	return nil
}

// Lib returns the current last-irreversible block (the tree root).
func (e *Engine) Lib() randpatypes.BlockID {
	return e.tree.Root().BlockID
}

// Tree exposes the shared prefix tree, mainly for tests and RPC reads.
func (e *Engine) Tree() *prefixtree.Tree { return e.tree }

// ActiveRound returns the currently active round, or nil between rounds.
func (e *Engine) ActiveRound() *round.Round { return e.activeRound }

// IsFrozen reports the sticky freeze flag (spec §9: never cleared absent
// an explicit host unfreeze event, which this core does not define).
func (e *Engine) IsFrozen() bool {
	e.stateMtx.Lock()
	defer e.stateMtx.Unlock()
	return e.isFrozen
}

// IsSyncing mirrors the most recent accepted-block event's sync flag.
func (e *Engine) IsSyncing() bool {
	e.stateMtx.Lock()
	defer e.stateMtx.Unlock()
	return e.isSyncing
}

//
// Lifecycle (asynchronous mode)
//

// Start launches the single dedicated worker goroutine that drains the
// queue, matching consensus/state.go's recieveRoutine.
func (e *Engine) Start() {
	go e.workerLoop()
}

// Stop sets the done flag and terminates the queue; the worker exits at
// its next iteration. In-flight callbacks complete.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.q.Terminate()
		close(e.done)
	})
}

// EnqueueEvent and EnqueueNetMsg are the thread-safe producer entry points
// for asynchronous mode: transport and block-production event bus push
// here from arbitrary goroutines.
func (e *Engine) EnqueueEvent(ev interface{}) { e.q.Push(ev) }
func (e *Engine) EnqueueNetMsg(m NetMsg)       { e.q.Push(m) }

func (e *Engine) workerLoop() {
	e.logger.Info("engine: worker loop started")
	for {
		item, ok := e.q.GetNextMsgWait()
		if !ok {
			e.logger.Info("engine: worker loop stopped")
			return
		}
		e.dispatch(item)
	}
}

//
// Synchronous mode: callers invoke these directly from their own goroutine.
//

// ProcessEvent dispatches an AcceptedBlockEvent/IrreversibleEvent/
// NewPeerEvent on the caller's thread.
func (e *Engine) ProcessEvent(ev interface{}) { e.dispatch(ev) }

// ProcessNetMsg dispatches a NetMsg on the caller's thread.
func (e *Engine) ProcessNetMsg(m NetMsg) { e.dispatch(m) }

func (e *Engine) dispatch(item interface{}) {
	switch v := item.(type) {
	case AcceptedBlockEvent:
		e.handleAcceptedBlock(v)
	case IrreversibleEvent:
		e.handleIrreversible(v)
	case NewPeerEvent:
		e.handleNewPeer(v)
	case NetMsg:
		e.handleNetMsg(v)
	default:
		e.logger.Error("engine: unknown queue item", "type", v)
	}
}

//
// Round scheduling (spec §4.3)
//

func roundNum(cfg *config.Config, blockNum uint32) uint32 {
	return (blockNum - 1) / cfg.RoundWidth
}

func numInRound(cfg *config.Config, blockNum uint32) uint32 {
	return (blockNum - 1) % cfg.RoundWidth
}

func (e *Engine) handleAcceptedBlock(ev AcceptedBlockEvent) {
	e.stateMtx.Lock()
	e.isSyncing = ev.Sync
	blockNum := randpatypes.BlockNum(ev.BlockID)
	libNum := randpatypes.BlockNum(e.Lib())
	if blockNum > libNum && blockNum-libNum > e.cfg.MaxFinalityLag {
		e.isFrozen = true
	}
	frozen, syncing := e.isFrozen, e.isSyncing
	e.stateMtx.Unlock()

	if _, err := e.tree.Insert(ev.PrevBlockID, ev.BlockID, ev.CreatorKey, ev.ActiveBPKeys); err != nil {
		e.logger.Error("engine: tree insertion missing parent", "block", ev.BlockID, "prev", ev.PrevBlockID, "err", err)
		return
	}

	if frozen || syncing {
		e.logger.Debug("engine: frozen or syncing, skipping round scheduling", "frozen", frozen, "syncing", syncing)
		return
	}

	rn := roundNum(e.cfg, blockNum)
	if e.activeRound == nil || rn > e.activeRound.Num {
		e.startRound(rn, ev)
	} else if rn == e.activeRound.Num && numInRound(e.cfg, blockNum) == e.cfg.PrevoteWidth {
		e.activeRound.EndPrevote()
	}
}

// startRound implements the "start a new round" branch of spec §4.3:
// clear both dedup caches, clear all tree confirmations, drop the old
// round, and only if one of the engine's keys is active at B construct the
// new round with primary = creator_key(B).
func (e *Engine) startRound(rn uint32, seed AcceptedBlockEvent) {
	e.selfMessages.Purge()
	e.peerMessages.Purge()
	e.tree.RemoveConfirmations()
	e.activeRound = nil

	active := seed.ActiveBPKeys.IntersectProviders(e.providers)
	if len(active) == 0 {
		e.logger.Debug("engine: no local provider active at round seed, staying round-less", "round", rn)
		return
	}

	e.mtr.RoundsStarted.Inc(1)
	e.activeRound = round.New(
		rn,
		seed.CreatorKey,
		e.tree,
		active,
		e.broadcastPrevote,
		e.broadcastPrecommit,
		e.finishRound,
		e.logger.With("round", rn),
	)
}

func (e *Engine) handleIrreversible(ev IrreversibleEvent) {
	node := e.tree.Find(ev.BlockID)
	if node == nil {
		e.logger.Debug("engine: on_irreversible for unknown block, ignoring", "block", ev.BlockID)
		return
	}
	if randpatypes.BlockNum(node.BlockID) <= randpatypes.BlockNum(e.Lib()) {
		return
	}
	e.tree.SetRoot(node)
}

func (e *Engine) handleNewPeer(ev NewPeerEvent) {
	e.publishOut(ev.SesID, randpatypes.HandshakeMsg{Data: randpatypes.HandshakeData{Lib: e.Lib()}})
}

//
// Net-msg dispatch (spec §4.3/§4.4)
//

func (e *Engine) handleNetMsg(m NetMsg) {
	if m.Expired(time.Now(), e.cfg.MsgExpiration) {
		e.logger.Debug("engine: dropping expired message", "ses", m.SesID)
		e.mtr.MessagesExpired.Inc(1)
		return
	}

	e.stateMtx.Lock()
	dropRoundPhase := e.isFrozen || e.isSyncing
	e.stateMtx.Unlock()

	switch data := m.Data.(type) {
	case randpatypes.PrevoteMsg:
		if dropRoundPhase {
			return
		}
		e.handlePrevote(data)
	case randpatypes.PrecommitMsg:
		if dropRoundPhase {
			return
		}
		e.handlePrecommit(data)
	case randpatypes.FinalityNoticeMsg:
		e.handleFinalityNotice(m.SesID, data)
	case randpatypes.FinalityReqProofMsg:
		e.handleFinalityReqProof(m.SesID, data)
	case randpatypes.ProofMsg:
		if dropRoundPhase {
			return
		}
		e.handleProofMsg(data)
	case randpatypes.HandshakeMsg:
		e.handleHandshake(m.SesID, data)
	case randpatypes.HandshakeAnsMsg:
		e.handleHandshakeAns(m.SesID, data)
	default:
		e.logger.Error("engine: unknown net message payload")
	}
}

// acceptRoundPhase applies the §4.3 self-message dedup: if this exact
// signed message has already been handled locally, drop it outright.
// Otherwise record it as handled and allow processing to continue.
func (e *Engine) acceptRoundPhase(key [32]byte) bool {
	if e.selfMessages.Contains(key) {
		e.mtr.MessagesDeduped.Inc(1)
		return false
	}
	e.selfMessages.Add(key, struct{}{})
	return true
}

func (e *Engine) handlePrevote(msg randpatypes.PrevoteMsg) {
	if !e.acceptRoundPhase(msg.GossipKey()) {
		return
	}
	// Relaying happens independent of whether this node has an active round
	// of its own: a full node never starts one, but must still forward
	// round-phase traffic so it doesn't become a gossip dead end between
	// block producers.
	e.rebroadcastRoundPhase(msg.Data.RoundNum, msg)

	if e.activeRound == nil || msg.Data.RoundNum != e.activeRound.Num {
		e.logger.Debug("engine: prevote for inactive round dropped", "round", msg.Data.RoundNum)
		return
	}
	for _, single := range msg.SplitBySignature() {
		if err := e.activeRound.AddPrevote(single); err != nil {
			e.logger.Debug("engine: prevote rejected", "err", err)
		}
	}
}

func (e *Engine) handlePrecommit(msg randpatypes.PrecommitMsg) {
	if !e.acceptRoundPhase(msg.GossipKey()) {
		return
	}
	e.rebroadcastRoundPhase(msg.Data.RoundNum, msg)

	if e.activeRound == nil || msg.Data.RoundNum != e.activeRound.Num {
		e.logger.Debug("engine: precommit for inactive round dropped", "round", msg.Data.RoundNum)
		return
	}
	for _, single := range msg.SplitBySignature() {
		if err := e.activeRound.AddPrecommit(single); err != nil {
			e.logger.Debug("engine: precommit rejected", "err", err)
		}
	}
}

// rebroadcastRoundPhase re-broadcasts a round-phase message only if its
// round_num equals the round implied by the tree's current head, per
// spec §4.3.
func (e *Engine) rebroadcastRoundPhase(roundN uint32, msg interface{ GossipKey() [32]byte }) {
	head := e.tree.GetHead()
	if head == nil || roundN != roundNum(e.cfg, randpatypes.BlockNum(head.BlockID)) {
		return
	}
	e.bcast(msg)
}

//
// Broadcast callbacks wired into the round (spec §4.2's two broadcast
// callbacks).
//

func (e *Engine) broadcastPrevote(msg randpatypes.PrevoteMsg) {
	e.selfMessages.Add(msg.GossipKey(), struct{}{})
	e.mtr.PrevotesSent.Inc(1)
	e.bcast(msg)
}

func (e *Engine) broadcastPrecommit(msg randpatypes.PrecommitMsg) {
	e.selfMessages.Add(msg.GossipKey(), struct{}{})
	e.mtr.PrecommitsSent.Inc(1)
	e.bcast(msg)
}

// bcast implements the §4.3 gossip dampener: checks _peer_messages, sends
// to every known peer if absent, then records the key. A second call with
// the same signed message is a no-op (the dedup law from spec §8).
func (e *Engine) bcast(msg interface{ GossipKey() [32]byte }) {
	key := msg.GossipKey()
	if e.peerMessages.Contains(key) {
		return
	}
	e.peersMtx.Lock()
	peers := make([]string, 0, len(e.peers))
	for _, ses := range e.peers {
		peers = append(peers, ses)
	}
	e.peersMtx.Unlock()
	for _, ses := range peers {
		e.publishOut(ses, msg)
	}
	e.peerMessages.Add(key, struct{}{})
}

func (e *Engine) publishOut(sesID string, data interface{}) {
	e.netOut.Publish(bus.OutMsg{SesID: sesID, Data: data})
}

//
// Round completion and the proof flow (spec §4.3)
//

// finishRound is the round's completion callback: pull the proof and, if
// it advances the LIB, publish it.
func (e *Engine) finishRound(r *round.Round) {
	if !r.Finish() {
		e.mtr.RoundsFailed.Inc(1)
		return
	}
	e.mtr.RoundsCompleted.Inc(1)
	proof := r.ProofIfDone()
	if randpatypes.BlockNum(proof.BestBlock) <= randpatypes.BlockNum(e.Lib()) {
		return
	}
	e.onProofGained(proof)
	e.updateLib(proof.BestBlock)
}

// onProofGained pushes the proof into the bounded ring (front insert,
// evict back), advances the watermark, publishes to the finality channel
// and broadcasts a finality_notice.
func (e *Engine) onProofGained(proof randpatypes.ProofData) {
	e.proofCacheMtx.Lock()
	e.proofCache = append([]randpatypes.ProofData{proof}, e.proofCache...)
	if len(e.proofCache) > e.cfg.ProofCacheDepth {
		e.proofCache = e.proofCache[:e.cfg.ProofCacheDepth]
	}
	e.proofCacheMtx.Unlock()

	e.stateMtx.Lock()
	e.lastProovedBlockNum = randpatypes.BlockNum(proof.BestBlock)
	e.stateMtx.Unlock()

	e.mtr.ProofsGained.Inc(1)
	e.mtr.LibBlockNum.Update(int64(randpatypes.BlockNum(proof.BestBlock)))
	e.finality.Publish(proof.BestBlock)

	notice := randpatypes.FinalityNoticeMsg{Data: randpatypes.FinalityNoticeData{
		RoundNum:  proof.RoundNum,
		BestBlock: proof.BestBlock,
	}}
	e.selfMessages.Add(notice.GossipKey(), struct{}{})
	e.bcast(notice)
}

func (e *Engine) updateLib(blockID randpatypes.BlockID) {
	node := e.tree.Find(blockID)
	if node == nil {
		return
	}
	e.tree.SetRoot(node)
	if e.store != nil {
		if err := e.store.SaveLib(node.BlockID); err != nil {
			e.logger.Error("engine: persist lib failed", "err", err)
		}
	}
}

// handleFinalityNotice implements the supplemented "already-active-BP and
// already-ahead" filter from original_source before requesting a proof.
func (e *Engine) handleFinalityNotice(sesID string, notice randpatypes.FinalityNoticeMsg) {
	if randpatypes.BlockNum(notice.Data.BestBlock) <= randpatypes.BlockNum(e.Lib()) {
		return
	}
	node := e.tree.Find(notice.Data.BestBlock)
	if node != nil {
		for k := range e.providerKeys {
			if node.ActiveBPKeys.Has(k) {
				return
			}
		}
	}
	req := randpatypes.FinalityReqProofMsg{Data: randpatypes.FinalityReqProofData{RoundNum: notice.Data.RoundNum}}
	e.publishOut(sesID, req)
}

func (e *Engine) handleFinalityReqProof(sesID string, req randpatypes.FinalityReqProofMsg) {
	e.proofCacheMtx.Lock()
	var found *randpatypes.ProofData
	for i := range e.proofCache {
		if e.proofCache[i].RoundNum == req.Data.RoundNum {
			p := e.proofCache[i]
			found = &p
			break
		}
	}
	e.proofCacheMtx.Unlock()
	if found == nil {
		return
	}
	e.publishOut(sesID, randpatypes.ProofMsg{Data: *found})
}

func (e *Engine) handleProofMsg(msg randpatypes.ProofMsg) {
	if !e.ValidateProof(msg.Data) {
		e.logger.Info("engine: invalid proof dropped", "round", msg.Data.RoundNum)
		e.mtr.ProofsRejected.Inc(1)
		return
	}

	e.stateMtx.Lock()
	advances := randpatypes.BlockNum(msg.Data.BestBlock) > e.lastProovedBlockNum &&
		randpatypes.BlockNum(msg.Data.BestBlock) > randpatypes.BlockNum(e.Lib())
	e.stateMtx.Unlock()
	if !advances {
		return
	}

	if e.activeRound != nil && e.activeRound.Num == msg.Data.RoundNum {
		e.activeRound.MarkDoneExternally()
	}
	e.onProofGained(msg.Data)
	e.updateLib(msg.Data.BestBlock)
}

//
// Peering (spec §4.3)
//

func (e *Engine) handleHandshake(sesID string, msg randpatypes.HandshakeMsg) {
	keys, err := msg.PublicKeys()
	if err != nil || len(keys) != 1 {
		e.logger.Error("engine: handshake recovery failed", "err", err)
		return
	}
	e.setPeer(keys[0], sesID)
	e.publishOut(sesID, randpatypes.HandshakeAnsMsg{Data: randpatypes.HandshakeAnsData{Lib: e.Lib()}})
}

func (e *Engine) handleHandshakeAns(sesID string, msg randpatypes.HandshakeAnsMsg) {
	keys, err := msg.PublicKeys()
	if err != nil || len(keys) != 1 {
		e.logger.Error("engine: handshake_ans recovery failed", "err", err)
		return
	}
	e.setPeer(keys[0], sesID)
}

func (e *Engine) setPeer(key randpatypes.PubKey, sesID string) {
	e.peersMtx.Lock()
	e.peers[key] = sesID
	e.peersMtx.Unlock()
}

//
// Proof validation (spec §4.4)
//

// ValidateProof checks a finality certificate against the prefix tree per
// spec §4.4's four rules.
func (e *Engine) ValidateProof(proof randpatypes.ProofData) bool {
	node := e.tree.Find(proof.BestBlock)
	if node == nil {
		return false
	}

	prevotedKeys := map[randpatypes.PubKey]struct{}{}
	for _, pv := range proof.Prevotes {
		keys, err := pv.PublicKeys()
		if err != nil {
			return false
		}
		for _, k := range keys {
			onPath := pv.Data.BaseBlock.Equal(proof.BestBlock) || randpatypes.ContainsBlockID(pv.Data.Blocks, proof.BestBlock)
			if !onPath || !node.ActiveBPKeys.Has(k) {
				return false
			}
			prevotedKeys[k] = struct{}{}
		}
	}

	precommitedKeys := map[randpatypes.PubKey]struct{}{}
	for _, pc := range proof.Precommits {
		keys, err := pc.PublicKeys()
		if err != nil {
			return false
		}
		for _, k := range keys {
			if _, ok := prevotedKeys[k]; !ok {
				return false
			}
			if !pc.Data.BlockID.Equal(proof.BestBlock) {
				return false
			}
			if !node.ActiveBPKeys.Has(k) {
				return false
			}
			precommitedKeys[k] = struct{}{}
		}
	}

	return len(precommitedKeys) > (2*node.ActiveBPKeys.Size())/3
}
