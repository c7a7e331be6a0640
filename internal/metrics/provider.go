// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"

	"github.com/tombee/sapassist/pkg/llm"
)

// instrumentedProvider feeds the recorder's LLM counters from every
// Complete and Stream call on the wrapped provider.
type instrumentedProvider struct {
	provider llm.Provider
	recorder *Recorder
}

// InstrumentProvider wraps a provider so its usage is recorded. Intended as
// the outermost layer of the provider stack, counting logical requests.
func (r *Recorder) InstrumentProvider(p llm.Provider) llm.Provider {
	return &instrumentedProvider{provider: p, recorder: r}
}

func (p *instrumentedProvider) Name() string {
	return p.provider.Name()
}

func (p *instrumentedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.provider.Complete(ctx, req)
	var usage llm.TokenUsage
	if resp != nil {
		usage = resp.Usage
	}
	p.recorder.RecordLLMUsage(p.provider.Name(), usage, err)
	return resp, err
}

func (p *instrumentedProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	upstream, err := p.provider.Stream(ctx, req)
	if err != nil {
		p.recorder.RecordLLMUsage(p.provider.Name(), llm.TokenUsage{}, err)
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var usage llm.TokenUsage
		var streamErr error
		for chunk := range upstream {
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Error != nil {
				streamErr = chunk.Error
			}
			out <- chunk
		}
		p.recorder.RecordLLMUsage(p.provider.Name(), usage, streamErr)
	}()
	return out, nil
}
