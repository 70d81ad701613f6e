package intelligence

import (
	"testing"
	"time"
)

func TestLearningStats(t *testing.T) {
	s := NewLearningStore()

	for _, ms := range []float64{100, 200, 300} {
		s.Record(TaskChat, "llama3.2", "a:11434", ms)
	}

	st := s.Stats(TaskChat, "llama3.2")
	if st.Count != 3 {
		t.Errorf("Count = %d, want 3", st.Count)
	}
	if st.MeanMs != 200 {
		t.Errorf("MeanMs = %v, want 200", st.MeanMs)
	}
	if st.MinMs != 100 || st.MaxMs != 300 {
		t.Errorf("Min/Max = %v/%v, want 100/300", st.MinMs, st.MaxMs)
	}

	if st := s.Stats(TaskGeneration, "llama3.2"); st.Count != 0 {
		t.Errorf("different task type should be a separate bucket, got %d samples", st.Count)
	}
}

func TestLearningNodeMean(t *testing.T) {
	s := NewLearningStore()

	s.Record(TaskChat, "llama3.2", "fast:11434", 100)
	s.Record(TaskChat, "llama3.2", "fast:11434", 120)
	s.Record(TaskChat, "llama3.2", "slow:11434", 900)

	mean, count := s.NodeMeanMs(TaskChat, "llama3.2", "fast:11434")
	if count != 2 || mean != 110 {
		t.Errorf("NodeMeanMs = %v (n=%d), want 110 (n=2)", mean, count)
	}
}

func TestLearningBounded(t *testing.T) {
	s := NewLearningStore()

	for i := 0; i < maxSamples+50; i++ {
		s.Record(TaskChat, "llama3.2", "a:11434", float64(i))
	}

	st := s.Stats(TaskChat, "llama3.2")
	if st.Count != maxSamples {
		t.Errorf("Count = %d, want %d", st.Count, maxSamples)
	}
	// Oldest samples fell off, so the minimum is not zero anymore.
	if st.MinMs != 50 {
		t.Errorf("MinMs = %v, want 50", st.MinMs)
	}
}

func TestLearningAgeOut(t *testing.T) {
	s := NewLearningStore()

	now := time.Now()
	s.nowFunc = func() time.Time { return now.Add(-2 * time.Hour) }
	s.Record(TaskChat, "llama3.2", "a:11434", 100)

	s.nowFunc = func() time.Time { return now }
	s.Record(TaskChat, "llama3.2", "a:11434", 200)

	removed := s.AgeOut(time.Hour)
	if removed != 1 {
		t.Errorf("AgeOut removed %d, want 1", removed)
	}

	st := s.Stats(TaskChat, "llama3.2")
	if st.Count != 1 || st.MeanMs != 200 {
		t.Errorf("after AgeOut: count=%d mean=%v, want 1/200", st.Count, st.MeanMs)
	}
}
