package intelligence

import (
	"sync"
	"time"
)

// maxSamples bounds the history kept per (task, model) bucket and per
// node bucket. Oldest samples fall off first.
const maxSamples = 100

// minNodeSamples: a node needs this many observations before its mean is
// trusted for the affinity bonus.
const minNodeSamples = 3

type sample struct {
	ms float64
	at time.Time
}

type bucketKey struct {
	task  TaskType
	model string
}

type nodeKey struct {
	task  TaskType
	model string
	node  string
}

// Stats summarizes one (task, model) bucket.
type Stats struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// LearningStore records how long completed requests actually took, per
// task type and model, and per node. The scorer uses it to prefer nodes
// that historically beat the global mean for a workload.
type LearningStore struct {
	mu      sync.Mutex
	global  map[bucketKey][]sample
	byNode  map[nodeKey][]sample
	nowFunc func() time.Time
}

func NewLearningStore() *LearningStore {
	return &LearningStore{
		global:  make(map[bucketKey][]sample),
		byNode:  make(map[nodeKey][]sample),
		nowFunc: time.Now,
	}
}

// Record adds one completed-request duration. Only successful requests
// should be recorded; failures say nothing about how fast a node is.
func (s *LearningStore) Record(task TaskType, model, node string, durationMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	gk := bucketKey{task, model}
	s.global[gk] = appendBounded(s.global[gk], sample{durationMs, now})

	nk := nodeKey{task, model, node}
	s.byNode[nk] = appendBounded(s.byNode[nk], sample{durationMs, now})
}

func appendBounded(list []sample, v sample) []sample {
	list = append(list, v)
	if len(list) > maxSamples {
		list = list[1:]
	}
	return list
}

// Stats returns the summary for one (task, model) bucket. A zero Count
// means no history.
func (s *LearningStore) Stats(task TaskType, model string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return summarize(s.global[bucketKey{task, model}])
}

// NodeMeanMs returns node's mean duration for the bucket and how many
// samples back it.
func (s *LearningStore) NodeMeanMs(task TaskType, model, node string) (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := summarize(s.byNode[nodeKey{task, model, node}])
	return st.MeanMs, st.Count
}

func summarize(list []sample) Stats {
	if len(list) == 0 {
		return Stats{}
	}

	st := Stats{Count: len(list), MinMs: list[0].ms, MaxMs: list[0].ms}
	var sum float64
	for _, v := range list {
		sum += v.ms
		if v.ms < st.MinMs {
			st.MinMs = v.ms
		}
		if v.ms > st.MaxMs {
			st.MaxMs = v.ms
		}
	}
	st.MeanMs = sum / float64(len(list))
	return st
}

// AgeOut drops samples older than horizon and returns how many were
// removed. The adaptive loop calls this so stale history cannot steer
// routing forever.
func (s *LearningStore) AgeOut(horizon time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFunc().Add(-horizon)
	removed := 0

	for k, list := range s.global {
		kept := trimBefore(list, cutoff)
		removed += len(list) - len(kept)
		if len(kept) == 0 {
			delete(s.global, k)
		} else {
			s.global[k] = kept
		}
	}
	for k, list := range s.byNode {
		kept := trimBefore(list, cutoff)
		if len(kept) == 0 {
			delete(s.byNode, k)
		} else {
			s.byNode[k] = kept
		}
	}
	return removed
}

func trimBefore(list []sample, cutoff time.Time) []sample {
	// Samples are appended in time order, so find the first survivor.
	for i, v := range list {
		if !v.at.Before(cutoff) {
			return list[i:]
		}
	}
	return nil
}

// AllStats snapshots every (task, model) bucket for the stats endpoint.
func (s *LearningStore) AllStats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Stats, len(s.global))
	for k, list := range s.global {
		out[string(k.task)+"/"+k.model] = summarize(list)
	}
	return out
}
