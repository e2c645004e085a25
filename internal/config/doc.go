// Package config handles configuration loading for the branchline gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from BRANCHLINE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/branchline/gateway.yaml
//  4. ~/.config/branchline/gateway.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables, which keeps bot passwords out
// of the file:
//
//	channels:
//	  matrix:
//	    accounts:
//	      centro:
//	        password: "${BRANCHLINE_CENTRO_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  retry_base_delay: "5s"
//	  pairing_ttl: "60s"
//
// # Sessions
//
// The reconnection schedule is linear: the n-th automatic retry (counting from
// zero) waits retry_base_delay * (n + 1), and retries stop after max_retries.
// Per-branch artifacts live under <sessions.dir>/branch_<id>, sealed with the
// age identity at sessions.identity_file.
package config
