// Package dedupe remembers which inbound messages a branch has already
// handled. Channel transports redeliver after reconnects, and each customer
// message must produce at most one reply.
package dedupe
