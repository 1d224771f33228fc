package llm

import (
	"context"
	"fmt"
	"sync"
)

// FakeCall is one scripted response (or error) for a FakeCaller.
type FakeCall struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Err          error
}

// FakeCaller returns scripted responses in order and records every request.
// Used by engine and worker tests.
type FakeCaller struct {
	mu      sync.Mutex
	script  []FakeCall
	next    int
	Calls   []FakeRequest
	Default *FakeCall // returned when the script is exhausted; nil = error
}

// FakeRequest captures one observed Call invocation.
type FakeRequest struct {
	SystemPrompt string
	UserMessage  string
	Model        string
}

// NewFakeCaller scripts the given calls.
func NewFakeCaller(script ...FakeCall) *FakeCaller {
	return &FakeCaller{script: script}
}

func (f *FakeCaller) Call(ctx context.Context, systemPrompt, userMessage, model string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeRequest{SystemPrompt: systemPrompt, UserMessage: userMessage, Model: model})

	var call FakeCall
	switch {
	case f.next < len(f.script):
		call = f.script[f.next]
		f.next++
	case f.Default != nil:
		call = *f.Default
	default:
		return nil, fmt.Errorf("fake caller: script exhausted after %d calls", len(f.script))
	}
	if call.Err != nil {
		return nil, call.Err
	}
	return &Response{Text: call.Text, InputTokens: call.InputTokens, OutputTokens: call.OutputTokens}, nil
}

var _ Caller = (*FakeCaller)(nil)
