// Package config holds the finality gadget's tunable constants and its
// identity mode, loaded the way the teacher loads ConsensusConfig: a plain
// struct filled by viper from file/env/flags (see cmd/commands) with
// hard-coded defaults matching spec §4.3.
package config

import "time"

// Mode selects how this node participates in voting.
type Mode string

const (
	// ModeFullNode is the default identity: a random ephemeral key that
	// cannot vote. Adding signature providers to a full node is rejected.
	ModeFullNode Mode = "full-node"
	// ModeBlockProducer carries one or more signature providers whose
	// public keys are expected to appear in some active BP set.
	ModeBlockProducer Mode = "block-producer"
)

// Config is the finality core's tunable surface (spec §4.3).
type Config struct {
	// RoundWidth is the number of blocks per round.
	RoundWidth uint32 `mapstructure:"round_width"`
	// PrevoteWidth is the offset within a round, counted from 0, at which
	// the prevote phase ends.
	PrevoteWidth uint32 `mapstructure:"prevote_width"`
	// MsgExpiration bounds how long a network message may sit before
	// being dropped unprocessed.
	MsgExpiration time.Duration `mapstructure:"msg_expiration"`
	// ProofCacheDepth is the bounded ring buffer capacity for completed
	// proofs retained for on-demand peer catch-up.
	ProofCacheDepth int `mapstructure:"proof_cache_depth"`
	// DedupCacheSize bounds both the self-message and peer-message LRU
	// dedup caches.
	DedupCacheSize int `mapstructure:"dedup_cache_size"`
	// MaxFinalityLag is the block-number gap between head and LIB past
	// which the engine freezes round creation.
	MaxFinalityLag uint32 `mapstructure:"max_finality_lag"`

	// Mode and ProducerNames configure identity; see cmd/commands for the
	// CLI flags that populate them.
	Mode          Mode     `mapstructure:"mode"`
	ProducerNames []string `mapstructure:"producer_names"`

	// RPCListenAddr is the address the rpc package's query server binds to,
	// e.g. "tcp://0.0.0.0:26670". Empty disables the RPC server.
	RPCListenAddr string `mapstructure:"rpc_laddr"`
}

// DefaultConfig mirrors spec §4.3's constants exactly: round_width=2,
// prevote_width=1, msg_expiration_ms=1000, proof-cache depth 2,
// dedup-cache depth 1e6, max finality lag = 69*12*2*2 blocks.
func DefaultConfig() *Config {
	return &Config{
		RoundWidth:      2,
		PrevoteWidth:    1,
		MsgExpiration:   1000 * time.Millisecond,
		ProofCacheDepth: 2,
		DedupCacheSize:  1_000_000,
		MaxFinalityLag:  69 * 12 * 2 * 2,
		Mode:            ModeFullNode,
	}
}

// TestConfig shrinks the dedup caches so unit tests don't pay for a
// million-entry LRU just to exercise a handful of messages.
func TestConfig() *Config {
	c := DefaultConfig()
	c.DedupCacheSize = 64
	return c
}
