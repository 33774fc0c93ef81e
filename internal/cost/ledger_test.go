package cost

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nicolasforstinger/lucyd/internal/providers"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cost.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordComputesCost(t *testing.T) {
	l := openTestLedger(t)
	rates := Rates{InputPerM: 3, OutputPerM: 15, CacheReadPerM: 0.3, CacheWritePerM: 3.75}

	cases := []struct {
		name  string
		usage *providers.Usage
		want  float64
	}{
		{"nil usage records zero", nil, 0},
		{"input+output only", &providers.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}, 18},
		{"with cache", &providers.Usage{PromptTokens: 0, CompletionTokens: 0, CacheReadTokens: 1_000_000, CacheCreationTokens: 1_000_000}, 4.05},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.Record("sess-1", "claude-test", tc.usage, rates)
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
			if got != tc.want {
				t.Errorf("cost = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSessionTotalMissingReturnsZero(t *testing.T) {
	l := openTestLedger(t)
	total, err := l.SessionTotal("never-seen")
	if err != nil {
		t.Fatalf("SessionTotal: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %v, want 0", total)
	}
}

func TestSessionTotalAccumulates(t *testing.T) {
	l := openTestLedger(t)
	rates := Rates{InputPerM: 1, OutputPerM: 1}
	for i := 0; i < 3; i++ {
		if _, err := l.Record("sess-1", "m", &providers.Usage{PromptTokens: 1_000_000}, rates); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	total, err := l.SessionTotal("sess-1")
	if err != nil {
		t.Fatalf("SessionTotal: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %v, want 3", total)
	}
}

func TestRangeTotalAndByModel(t *testing.T) {
	l := openTestLedger(t)
	rates := Rates{InputPerM: 1}
	if _, err := l.Record("s1", "model-a", &providers.Usage{PromptTokens: 1_000_000}, rates); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := l.Record("s2", "model-b", &providers.Usage{PromptTokens: 2_000_000}, rates); err != nil {
		t.Fatalf("Record: %v", err)
	}

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	total, err := l.RangeTotal(from, to)
	if err != nil {
		t.Fatalf("RangeTotal: %v", err)
	}
	if total != 3 {
		t.Errorf("range total = %v, want 3", total)
	}

	byModel, err := l.ByModel(from, to)
	if err != nil {
		t.Fatalf("ByModel: %v", err)
	}
	if byModel["model-a"] != 1 || byModel["model-b"] != 2 {
		t.Errorf("byModel = %+v", byModel)
	}
}

func TestAllTimeTotalEmptyLedgerIsZero(t *testing.T) {
	l := openTestLedger(t)
	total, err := l.AllTimeTotal()
	if err != nil {
		t.Fatalf("AllTimeTotal: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %v, want 0", total)
	}
}
