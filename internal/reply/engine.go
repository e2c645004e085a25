// ABOUTME: Reply engine contract consumed by the conversation router
// ABOUTME: An engine turns one inbound customer text into reply text and never fails

package reply

import (
	"context"

	"github.com/2389/branchline/internal/store"
)

// Fallback is sent when an engine produces nothing in time.
const Fallback = "¡Gracias por escribirnos! 😊 En este momento no podemos responder, por favor intenta de nuevo en unos minutos."

// Request is everything an engine may look at. Engines must treat it as
// read-only.
type Request struct {
	BranchID        string
	BranchName      string
	CustomerAddress string
	// Text is the message being answered.
	Text string
	// History holds the exchanges before Text, oldest first. Text is not in it.
	History []store.HistoryEntry
	Config  store.BranchConfig
}

// Engine generates reply text. Implementations return a usable text even on
// internal failure; the router always has something to send.
type Engine interface {
	Generate(ctx context.Context, req Request) string
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) string

// Generate calls f.
func (f EngineFunc) Generate(ctx context.Context, req Request) string {
	return f(ctx, req)
}
