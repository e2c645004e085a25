// ABOUTME: CBOR encoding for conversation history blobs
// ABOUTME: Deterministic core encoding with RFC3339 timestamps so stored rows are stable

package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	historyEnc cbor.EncMode
	historyDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	historyEnc, err = opts.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	historyDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeHistory(h []HistoryEntry) ([]byte, error) {
	if h == nil {
		h = []HistoryEntry{}
	}
	data, err := historyEnc.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding history: %w", err)
	}
	return data, nil
}

func decodeHistory(data []byte) ([]HistoryEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h []HistoryEntry
	if err := historyDec.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return h, nil
}
