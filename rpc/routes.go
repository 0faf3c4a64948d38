package rpc

import rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

// Routes continues rpc/routes.go's route table, swapping broadcast_tx's
// single mempool entry point for the finality gadget's read-only query
// surface.
var Routes = map[string]*rpcserver.RPCFunc{
	"lib":          rpcserver.NewRPCFunc(Lib, ""),
	"round_status": rpcserver.NewRPCFunc(RoundStatus, ""),
	"proof":        rpcserver.NewRPCFunc(Proof, "round_num"),
}
