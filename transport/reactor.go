// Package transport adapts the engine's session-id-keyed net-msg channel
// (spec §6) onto a real tendermint p2p.Switch/p2p.Reactor, continuing
// node/node.go and consensus/reactor.go: peer sessions are p2p.Peer IDs,
// and GetChannels/Receive/AddPeer/RemovePeer are the same shape the
// teacher's consensus Reactor implements for its own vote/proposal gossip.
package transport

import (
	encjson "encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"chainbft_finality/bus"
	"chainbft_finality/engine"
	"chainbft_finality/randpatypes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	PrevoteChannel    = byte(0x40)
	PrecommitChannel  = byte(0x41)
	ProofChannel      = byte(0x42) // finality_notice, finality_req_proof, proof
	HandshakeChannel  = byte(0x43) // handshake, handshake_ans

	maxMsgSize = 1 << 20
)

// envelope tags a wire payload with its message kind so Receive can decode
// into the right concrete randpatypes type before handing it to the engine.
type envelope struct {
	Kind string             `json:"kind"`
	Body encjson.RawMessage `json:"body"`
}

// Reactor is the finality gadget's p2p.Reactor. It only moves bytes: all
// protocol logic lives in engine.Engine.
type Reactor struct {
	p2p.BaseReactor

	eng *engine.Engine
}

func NewReactor(eng *engine.Engine) *Reactor {
	r := &Reactor{eng: eng}
	r.BaseReactor = *p2p.NewBaseReactor("Randpa", r)
	eng.NetOut().Subscribe(r.send)
	return r
}

func (r *Reactor) SetLogger(l log.Logger) {
	r.Logger = l
}

func (r *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{ID: PrevoteChannel, Priority: 6, SendQueueCapacity: 100, RecvBufferCapacity: maxMsgSize},
		{ID: PrecommitChannel, Priority: 6, SendQueueCapacity: 100, RecvBufferCapacity: maxMsgSize},
		{ID: ProofChannel, Priority: 5, SendQueueCapacity: 100, RecvBufferCapacity: maxMsgSize},
		{ID: HandshakeChannel, Priority: 5, SendQueueCapacity: 20, RecvBufferCapacity: maxMsgSize},
	}
}

func (r *Reactor) AddPeer(peer p2p.Peer) {
	r.eng.EnqueueEvent(engine.NewPeerEvent{SesID: string(peer.ID())})
}

func (r *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {}

// Receive decodes an inbound message and hands it to the engine's net-msg
// queue, stamping ReceiveTime for the expiration check (spec §4.3).
func (r *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	var env envelope
	if err := json.Unmarshal(msgBytes, &env); err != nil {
		r.Logger.Error("transport: unmarshal envelope failed", "err", err)
		return
	}

	data, err := decodeBody(env.Kind, env.Body)
	if err != nil {
		r.Logger.Error("transport: unmarshal body failed", "kind", env.Kind, "err", err)
		return
	}

	r.eng.EnqueueNetMsg(engine.NetMsg{
		SesID:       string(src.ID()),
		Data:        data,
		ReceiveTime: time.Now(),
	})
}

func decodeBody(kind string, body []byte) (interface{}, error) {
	switch kind {
	case "prevote":
		var m randpatypes.PrevoteMsg
		return m, json.Unmarshal(body, &m)
	case "precommit":
		var m randpatypes.PrecommitMsg
		return m, json.Unmarshal(body, &m)
	case "finality_notice":
		var m randpatypes.FinalityNoticeMsg
		return m, json.Unmarshal(body, &m)
	case "finality_req_proof":
		var m randpatypes.FinalityReqProofMsg
		return m, json.Unmarshal(body, &m)
	case "proof":
		var m randpatypes.ProofMsg
		return m, json.Unmarshal(body, &m)
	case "handshake":
		var m randpatypes.HandshakeMsg
		return m, json.Unmarshal(body, &m)
	case "handshake_ans":
		var m randpatypes.HandshakeAnsMsg
		return m, json.Unmarshal(body, &m)
	default:
		return nil, fmt.Errorf("transport: unknown message kind %q", kind)
	}
}

func kindAndChannel(data interface{}) (string, byte, bool) {
	switch data.(type) {
	case randpatypes.PrevoteMsg:
		return "prevote", PrevoteChannel, true
	case randpatypes.PrecommitMsg:
		return "precommit", PrecommitChannel, true
	case randpatypes.FinalityNoticeMsg:
		return "finality_notice", ProofChannel, true
	case randpatypes.FinalityReqProofMsg:
		return "finality_req_proof", ProofChannel, true
	case randpatypes.ProofMsg:
		return "proof", ProofChannel, true
	case randpatypes.HandshakeMsg:
		return "handshake", HandshakeChannel, true
	case randpatypes.HandshakeAnsMsg:
		return "handshake_ans", HandshakeChannel, true
	default:
		return "", 0, false
	}
}

// send is subscribed to the engine's out-net channel: it looks up the
// peer's live connection by session id (their p2p.ID) and pushes the
// envelope over the right channel. A missing peer session is silently
// dropped, per spec §6.
func (r *Reactor) send(m bus.OutMsg) {
	kind, chID, ok := kindAndChannel(m.Data)
	if !ok {
		r.Logger.Error("transport: cannot address unknown payload type")
		return
	}
	body, err := json.Marshal(m.Data)
	if err != nil {
		r.Logger.Error("transport: marshal body failed", "err", err)
		return
	}
	env, err := json.Marshal(envelope{Kind: kind, Body: body})
	if err != nil {
		r.Logger.Error("transport: marshal envelope failed", "err", err)
		return
	}

	peer := r.Switch.Peers().Get(p2p.ID(m.SesID))
	if peer == nil {
		return
	}
	peer.Send(chID, env)
}
