// Package store persists the run result buffer so analysis can read it back
// after the fact.
package store

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"stressmonitor/protocol"
	"stressmonitor/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResultStore is a durable copy of the run result buffer. Load on an absent
// document returns empty results, not an error.
type ResultStore interface {
	Load(ctx context.Context) (state.Results, error)
	Save(ctx context.Context, r state.Results) error
	Delete(ctx context.Context) error
}

func decode(data []byte) (state.Results, error) {
	out := state.NewResults()
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		// a literal null document
		out = state.NewResults()
	}
	for _, id := range protocol.SystemIDs {
		if out[id] == nil {
			out[id] = []protocol.ProgressSample{}
		}
	}
	return out, nil
}

func encode(r state.Results) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
