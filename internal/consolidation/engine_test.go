package consolidation

import (
	"testing"

	"github.com/nicolasforstinger/lucyd/internal/providers"
	"github.com/nicolasforstinger/lucyd/internal/store"
)

func TestGetUnprocessedRangeAbsentState(t *testing.T) {
	mem := newFakeMemStore()
	e := New(mem, DefaultConfig(), nil, "", nil, "")

	start, end, err := e.GetUnprocessedRange("s1", 5, 0)
	if err != nil {
		t.Fatalf("GetUnprocessedRange: %v", err)
	}
	if start != 0 || end != 5 {
		t.Errorf("got (%d,%d), want (0,5)", start, end)
	}
}

func TestGetUnprocessedRangeCompactionAdvanced(t *testing.T) {
	mem := newFakeMemStore()
	mem.consState["s1"] = &store.ConsolidationState{SessionID: "s1", LastCompactionCount: 0, LastMessageCount: 10}
	e := New(mem, DefaultConfig(), nil, "", nil, "")

	start, end, err := e.GetUnprocessedRange("s1", 6, 1)
	if err != nil {
		t.Fatalf("GetUnprocessedRange: %v", err)
	}
	if start != 1 || end != 6 {
		t.Errorf("got (%d,%d), want (1,6)", start, end)
	}
}

func TestGetUnprocessedRangeMessagesGrew(t *testing.T) {
	mem := newFakeMemStore()
	mem.consState["s1"] = &store.ConsolidationState{SessionID: "s1", LastCompactionCount: 1, LastMessageCount: 10}
	e := New(mem, DefaultConfig(), nil, "", nil, "")

	start, end, err := e.GetUnprocessedRange("s1", 14, 1)
	if err != nil {
		t.Fatalf("GetUnprocessedRange: %v", err)
	}
	if start != 10 || end != 14 {
		t.Errorf("got (%d,%d), want (10,14)", start, end)
	}
}

func TestGetUnprocessedRangeIdempotent(t *testing.T) {
	mem := newFakeMemStore()
	mem.consState["s1"] = &store.ConsolidationState{SessionID: "s1", LastCompactionCount: 1, LastMessageCount: 14}
	e := New(mem, DefaultConfig(), nil, "", nil, "")

	start, end, err := e.GetUnprocessedRange("s1", 14, 1)
	if err != nil {
		t.Fatalf("GetUnprocessedRange: %v", err)
	}
	if start != 0 || end != 0 {
		t.Errorf("got (%d,%d), want (0,0) idempotent", start, end)
	}
}

func TestSerializeRendersRolesAndTruncatesToolOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToolOutputTruncate = 10
	e := New(newFakeMemStore(), cfg, nil, "", nil, "")

	messages := []providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "let me check", ToolCalls: []providers.ToolCall{
			{Name: "search", Arguments: map[string]interface{}{"q": "weather"}},
		}},
		{Role: "tool", Content: "this is a very long tool result that should be truncated"},
		{Role: "assistant", Content: "it is sunny"},
	}

	out := e.Serialize(messages, 0, len(messages))
	if !containsAll(out, "Human: hello", "Tool call: search(", "Tool result: ", "Assistant: it is sunny") {
		t.Errorf("serialized output missing expected lines: %s", out)
	}
	if containsAll(out, "this is a very long tool result that should be truncated") {
		t.Errorf("tool output was not truncated: %s", out)
	}
}

func TestIsTrivialEpisode(t *testing.T) {
	if !isTrivialEpisode(nil) {
		t.Error("nil episode should be trivial")
	}
	if !isTrivialEpisode(&ExtractedEpisode{EmotionalTone: "neutral"}) {
		t.Error("empty neutral episode should be trivial")
	}
	if isTrivialEpisode(&ExtractedEpisode{Topics: []string{"x"}, EmotionalTone: "neutral"}) {
		t.Error("episode with topics should not be trivial")
	}
}

func TestStripFencesRemovesJSONFence(t *testing.T) {
	in := "```json\n{\"facts\": []}\n```"
	out := stripFences(in)
	if out != `{"facts": []}` {
		t.Errorf("stripFences = %q", out)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !stringsContains(haystack, n) {
			return false
		}
	}
	return true
}

func stringsContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
