// Package bus implements the engine's two fixed outbound channels on top of
// the teacher's own pub/sub primitive: tendermint's libs/events.EventSwitch,
// the same one consensus/state.go constructs (events.NewEventSwitch()) and
// consensus/reactor.go subscribes to via AddListenerForEvent
// (subscribeToBroadcastEvents). The teacher's switch is string-keyed and
// generic; this package just fixes the two event names it ever fires and
// wraps each in a typed Subscribe/Publish pair so callers never see a raw
// events.EventData.
package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/tendermint/tendermint/libs/events"

	"chainbft_finality/randpatypes"
)

const (
	eventNetOut   = "randpa:net_out"
	eventFinality = "randpa:finality"
)

var listenerSeq uint64

// nextListenerID mints a unique id per Subscribe call; EventSwitch keys its
// listeners by id, not by callback identity, so two subscribers on the same
// channel must never collide.
func nextListenerID(prefix string) string {
	n := atomic.AddUint64(&listenerSeq, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

// OutMsg is the outbound net-message envelope, addressed by session id.
// A missing peer session is silently dropped by the transport.
type OutMsg struct {
	SesID string
	Data  interface{}
}

// NetOut is the out-net channel (spec §6): subscribers receive every
// outbound message the engine addresses to a peer session.
type NetOut struct {
	evsw events.EventSwitch
}

// NewNetOut starts a fresh event switch scoped to the net-out channel.
func NewNetOut() *NetOut {
	evsw := events.NewEventSwitch()
	if err := evsw.Start(); err != nil {
		panic(err)
	}
	return &NetOut{evsw: evsw}
}

func (c *NetOut) Subscribe(fn func(OutMsg)) {
	c.evsw.AddListenerForEvent(nextListenerID("net_out"), eventNetOut, func(data events.EventData) {
		fn(data.(OutMsg))
	})
}

func (c *NetOut) Publish(m OutMsg) {
	c.evsw.FireEvent(eventNetOut, m)
}

// Finality is the finality channel (spec §6): emits a block id every time
// the engine's LIB advances, whether locally produced or via an external
// proof.
type Finality struct {
	evsw events.EventSwitch
}

// NewFinality starts a fresh event switch scoped to the finality channel.
func NewFinality() *Finality {
	evsw := events.NewEventSwitch()
	if err := evsw.Start(); err != nil {
		panic(err)
	}
	return &Finality{evsw: evsw}
}

func (c *Finality) Subscribe(fn func(randpatypes.BlockID)) {
	c.evsw.AddListenerForEvent(nextListenerID("finality"), eventFinality, func(data events.EventData) {
		fn(data.(randpatypes.BlockID))
	})
}

func (c *Finality) Publish(id randpatypes.BlockID) {
	c.evsw.FireEvent(eventFinality, id)
}
