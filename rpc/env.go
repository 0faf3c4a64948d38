// Package rpc exposes the finality gadget's on-demand query surface over
// JSON-RPC, continuing rpc/env.go's package-level Environment plus
// rpc/routes.go's route table, repurposed from mempool/consensus/smallbank
// queries to proof/finality queries against the engine.
package rpc

import (
	jsoniter "github.com/json-iterator/go"

	"chainbft_finality/engine"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Environment is the one package-level collaborator every RPC handler reads
// through, exactly as the teacher's rpc.Environment wraps Mempool/
// Consensus/Store for its own handlers.
type Environment struct {
	Engine *engine.Engine
}

// SetEnvironment installs the environment queries run against. Called once
// by the host process after it constructs the engine.
func SetEnvironment(e *Environment) {
	env = e
}
