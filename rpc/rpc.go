// Package rpc defines the JSON-RPC over HTTP surface the iostat daemon
// exposes to local consumers, plus a small client for querying it.
package rpc

const (
	// RPCPath is the URI endpoint RPC requests are posted to.
	RPCPath = "/_rrdd_iostat_RPC_"
)
