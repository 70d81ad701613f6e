package catalog

import "testing"

func TestLookup(t *testing.T) {
	tests := []struct {
		name, model string
		params      float64
		distributed bool
	}{
		{"known small", "llama3.2", 3, false},
		{"known with tag", "llama3.1:405b", 405, true},
		{"latest tag stripped", "llama3.2:latest", 3, false},
		{"base name fallback", "mistral:7b-instruct-q4", 7, false},
		{"heuristic 70b", "somevendor:70b", 70, false},
		{"heuristic 405b", "somevendor:405b", 405, true},
		{"heuristic no size token", "mystery-model", 8, false},
		{"case insensitive", "LLAMA3.2", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Lookup(tt.model)
			if p.ParamsB != tt.params {
				t.Errorf("Lookup(%q).ParamsB = %v, want %v", tt.model, p.ParamsB, tt.params)
			}
			if p.RequiresDistributed != tt.distributed {
				t.Errorf("Lookup(%q).RequiresDistributed = %v, want %v", tt.model, p.RequiresDistributed, tt.distributed)
			}
		})
	}
}

func TestEstimateMemory(t *testing.T) {
	p := Lookup("somevendor:40b")
	if p.EstMemoryGiB != 24 {
		t.Errorf("EstMemoryGiB = %v, want 24", p.EstMemoryGiB)
	}
	if p.NumLayers != 40 {
		t.Errorf("NumLayers = %v, want 40", p.NumLayers)
	}
}

func TestRequiresSharding(t *testing.T) {
	tests := []struct {
		name, model string
		enabled     bool
		expect      bool
	}{
		{"small model", "llama3.2", true, false},
		{"13b boundary", "llama2:13b", true, false},
		{"medium marked distributed", "llama2:70b", true, true},
		{"medium moe marked distributed", "mixtral:8x7b", true, true},
		{"large always", "llama3.1:405b", true, true},
		{"large heuristic", "unknown:300b", true, true},
		{"sharding disabled", "llama3.1:405b", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiresSharding(tt.model, tt.enabled); got != tt.expect {
				t.Errorf("RequiresSharding(%q, %v) = %v, want %v", tt.model, tt.enabled, got, tt.expect)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, out string }{
		{"llama3.1:latest", "llama3.1"},
		{"llama3.1:8b", "llama3.1:8b"},
		{"  Nomic-Embed-Text ", "nomic-embed-text"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.out {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.out)
		}
	}
}
