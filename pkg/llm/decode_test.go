package llm

import (
	"testing"
)

type testDecision struct {
	Action      string `json:"action"`
	Reasoning   string `json:"reasoning"`
	SearchQuery string `json:"searchQuery,omitempty"`
}

func TestDecodeDecision(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    testDecision
		wantErr bool
	}{
		{
			name:  "clean JSON",
			reply: `{"action":"search","reasoning":"need documents","searchQuery":"Fitzer"}`,
			want:  testDecision{Action: "search", Reasoning: "need documents", SearchQuery: "Fitzer"},
		},
		{
			name:  "fenced json block",
			reply: "Here is my decision:\n```json\n{\"action\":\"complete\",\"reasoning\":\"enough results\"}\n```\nDone.",
			want:  testDecision{Action: "complete", Reasoning: "enough results"},
		},
		{
			name:  "bare fence without language tag",
			reply: "```\n{\"action\":\"refine\",\"reasoning\":\"too broad\"}\n```",
			want:  testDecision{Action: "refine", Reasoning: "too broad"},
		},
		{
			name:  "object embedded in prose",
			reply: `I think the best next step is {"action":"search","reasoning":"first pass","searchQuery":"Rechnung"} as discussed.`,
			want:  testDecision{Action: "search", Reasoning: "first pass", SearchQuery: "Rechnung"},
		},
		{
			name:  "extra unknown fields tolerated",
			reply: `{"action":"search","reasoning":"x","confidence":0.9}`,
			want:  testDecision{Action: "search", Reasoning: "x"},
		},
		{
			name:  "braces inside strings",
			reply: `{"action":"search","reasoning":"find {curly} things","searchQuery":"a}b"}`,
			want:  testDecision{Action: "search", Reasoning: "find {curly} things", SearchQuery: "a}b"},
		},
		{
			name:    "no JSON at all",
			reply:   "I cannot decide right now.",
			wantErr: true,
		},
		{
			name:    "unbalanced object",
			reply:   `{"action":"search","reasoning":"truncated`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got testDecision
			err := DecodeDecision(tt.reply, &got)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeDecision() expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDecision() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeDecision() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	u.Add(TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5})

	if u.InputTokens != 13 || u.OutputTokens != 7 || u.TotalTokens != 20 {
		t.Errorf("Add() = %+v", u)
	}
}
