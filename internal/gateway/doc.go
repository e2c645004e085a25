// Package gateway wires a branchline server together.
//
// New builds, from configuration:
//
//   - the store (SQLite) and the session vault
//   - the channel driver (matrix or loopback)
//   - the session pool and the conversation router, with the pool as the
//     router's sender and the router as the pool's inbound handler
//   - a gRPC server exposing the standard health service
//
// Run seeds the branch catalog, subscribes two watchers to the pool (one
// persists each transition with SaveSessionStatus, the other keeps the
// "branch/<id>" health service SERVING exactly while the branch is READY),
// restarts sessions that were READY or AUTHENTICATED before the last
// shutdown, and serves until its context ends.
//
// Shutdown stops gRPC, drains the router, closes every session handle and
// closes the store, in that order.
package gateway
