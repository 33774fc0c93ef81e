package recall

import "testing"

func TestExtractEntities(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"single word", "nicolas", []string{"nicolas"}},
		{"bigram and unigrams", "what about nicolas", []string{
			"what", "about", "nicolas", "what_about", "about_nicolas", "what_about_nicolas",
		}},
		{"punctuation stripped", "what's up, nicolas?", []string{
			"what", "s", "up", "nicolas", "what_s", "s_up", "up_nicolas", "what_s_up", "s_up_nicolas",
		}},
		{"empty query", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractEntities(tc.query)
			if len(got) != len(tc.want) {
				t.Fatalf("ExtractEntities(%q) = %v, want %v", tc.query, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("ExtractEntities(%q)[%d] = %q, want %q", tc.query, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestAssembleBudgetOverflow(t *testing.T) {
	// Mirrors scenario 6: commitments=40, vector=35, episodes=25, facts=15
	// summing past budget; only the two highest-priority blocks survive.
	blocks := []Block{
		{Priority: 15, Label: "facts", Text: "facts text", EstTokens: 750},
		{Priority: 25, Label: "episodes", Text: "episodes text", EstTokens: 750},
		{Priority: 35, Label: "vector", Text: "vector text", EstTokens: 600},
		{Priority: 40, Label: "commitments", Text: "commitments text", EstTokens: 400},
	}
	body, footer := Assemble(blocks, 1000)

	if body == "" {
		t.Fatal("expected non-empty body")
	}
	wantIncluded := []string{"commitments text", "vector text"}
	for _, w := range wantIncluded {
		if !contains(body, w) {
			t.Errorf("body missing included block %q: %s", w, body)
		}
	}
	wantDropped := []string{"episodes text", "facts text"}
	for _, w := range wantDropped {
		if contains(body, w) {
			t.Errorf("body should not include dropped block %q: %s", w, body)
		}
	}
	if !contains(footer, "facts") || !contains(footer, "episodes") {
		t.Errorf("footer should list dropped sections: %s", footer)
	}
}

func TestAssembleEmptyBlocksDropped(t *testing.T) {
	blocks := []Block{
		{Priority: 15, Label: "facts", Text: "", EstTokens: 0},
		{Priority: 40, Label: "commitments", Text: "c", EstTokens: 1},
	}
	body, _ := Assemble(blocks, 1000)
	if body != "c" {
		t.Errorf("body = %q, want %q", body, "c")
	}
}

func TestAssembleOrdersByPriorityDescending(t *testing.T) {
	blocks := []Block{
		{Priority: 15, Label: "facts", Text: "F", EstTokens: 1},
		{Priority: 40, Label: "commitments", Text: "C", EstTokens: 1},
		{Priority: 25, Label: "episodes", Text: "E", EstTokens: 1},
	}
	body, _ := Assemble(blocks, 1000)
	wantOrder := "C\n\nE\n\nF"
	if body != wantOrder {
		t.Errorf("body = %q, want %q", body, wantOrder)
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
