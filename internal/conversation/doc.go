// Package conversation routes inbound customer messages to a reply engine
// and delivers the answer through the session pool.
//
// For each text message the Router:
//
//  1. drops it if its ID was already handled (dedupe)
//  2. loads the (branch, customer) context, read-through an LRU cache
//  3. appends the inbound entry, trims history to the limit and saves
//  4. asks the reply engine, bounded by the reply timeout
//  5. appends the reply, saves again and sends it
//
// Messages for the same (branch, customer) pair go through a lane and are
// applied in receipt order. Different pairs run concurrently. A reply that
// cannot be delivered because the channel is not READY is logged and
// dropped; history keeps it so the next message still has full context.
package conversation
