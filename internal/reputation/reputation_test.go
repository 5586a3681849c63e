package reputation

import (
	"math"
	"sync"
	"testing"
)

func TestRecord_RunningMean(t *testing.T) {
	tr := NewTracker()

	stars := []int{5, 3, 4, 5, 1, 2, 5}
	sum := 0
	for i, s := range stars {
		score := tr.Record("agent_1", s)
		sum += s
		want := float64(sum) / float64(i+1)
		if math.Abs(score.Mean-want) > 1e-9 {
			t.Errorf("after %d ratings: mean %.12f, want %.12f", i+1, score.Mean, want)
		}
		if score.Count != i+1 {
			t.Errorf("count %d, want %d", score.Count, i+1)
		}
	}

	final := tr.Get("agent_1")
	if final.Histogram != [5]int{1, 1, 1, 1, 3} {
		t.Errorf("unexpected histogram %v", final.Histogram)
	}
}

func TestRecord_ConcurrentSameAgent(t *testing.T) {
	tr := NewTracker()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(stars int) {
			defer wg.Done()
			tr.Record("agent_1", stars)
		}(i%5 + 1)
	}
	wg.Wait()

	score := tr.Get("agent_1")
	if score.Count != n {
		t.Fatalf("count %d, want %d", score.Count, n)
	}
	// 200 ratings uniformly 1..5 sum to 40*(1+2+3+4+5) = 600.
	if math.Abs(score.Mean-3.0) > 1e-9 {
		t.Errorf("mean %.12f, want 3.0", score.Mean)
	}
}

func TestGet_Unrated(t *testing.T) {
	tr := NewTracker()
	score := tr.Get("nobody")
	if score.Count != 0 || score.Mean != 0 {
		t.Errorf("expected zero score, got %+v", score)
	}
	if TierFor(score) != TierUnrated {
		t.Errorf("expected unrated tier, got %s", TierFor(score))
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		mean  float64
		count int
		want  Tier
	}{
		{0, 0, TierUnrated},
		{1.5, 3, TierPoor},
		{2.5, 3, TierFair},
		{4.0, 3, TierGood},
		{4.9, 3, TierExceptional},
	}
	for _, tc := range cases {
		got := TierFor(Score{Mean: tc.mean, Count: tc.count})
		if got != tc.want {
			t.Errorf("TierFor(mean=%.1f, count=%d) = %s, want %s", tc.mean, tc.count, got, tc.want)
		}
	}
}

func TestSeed(t *testing.T) {
	tr := NewTracker()
	tr.Seed("agent_1", 4.5, 2, [5]int{0, 0, 0, 1, 1})

	// Seeded state participates in the running mean.
	score := tr.Record("agent_1", 3)
	want := (4.5*2 + 3) / 3
	if math.Abs(score.Mean-want) > 1e-9 {
		t.Errorf("mean %.12f, want %.12f", score.Mean, want)
	}
}
