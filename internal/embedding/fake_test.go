package embedding

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeProvider returns a vector derived from each text's length and fails
// the first failures calls with err.
type fakeProvider struct {
	model    string
	err      error
	failures int32

	calls  atomic.Int32
	mu     sync.Mutex
	inputs [][]string
}

func (f *fakeProvider) Model() string { return f.model }

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.inputs = append(f.inputs, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.err != nil && (f.failures < 0 || n <= f.failures) {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}
