package rpc

import (
	"net/http"

	"github.com/tendermint/tendermint/libs/log"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
)

// StartServer binds laddr and serves Routes, the way node/node.go starts the
// teacher's own RPC listener alongside the p2p switch.
func StartServer(laddr string, logger log.Logger) error {
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, Routes, logger)

	cfg := rpcserver.DefaultConfig()
	listener, err := rpcserver.Listen(laddr, cfg)
	if err != nil {
		return err
	}
	go func() {
		if err := rpcserver.Serve(listener, mux, logger, cfg); err != nil {
			logger.Error("rpc: server stopped", "err", err)
		}
	}()
	return nil
}
