// Package catalog maps model names to resource profiles and decides
// whether a model must be sharded across rpc-server workers.
package catalog

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Profile describes a model's resource requirements.
type Profile struct {
	Name string

	// ParamsB is the parameter count in billions.
	ParamsB float64

	// EstMemoryGiB is the estimated working-set size.
	EstMemoryGiB float64

	// RequiresDistributed marks models that do not fit a single node.
	RequiresDistributed bool

	NumLayers int
}

// profiles lists well-known models. Unknown names fall back to the size
// heuristic in estimate.
var profiles = map[string]Profile{
	// Small models, fit on a single GPU.
	"llama3.2":    {"llama3.2", 3, 2.5, false, 32},
	"llama3.2:3b": {"llama3.2:3b", 3, 2.5, false, 32},
	"phi":         {"phi", 3, 1.5, false, 32},
	"phi3":        {"phi3", 4, 2.0, false, 32},
	"gemma:7b":    {"gemma:7b", 7, 5.0, false, 28},
	"llama3:8b":   {"llama3:8b", 8, 6.0, false, 32},
	"llama3.1:8b": {"llama3.1:8b", 8, 6.0, false, 32},
	"mistral:7b":  {"mistral:7b", 7, 5.0, false, 32},
	"llama2:7b":   {"llama2:7b", 7, 5.0, false, 32},
	"llama2:13b":  {"llama2:13b", 13, 9.0, false, 40},

	// Embedding models.
	"nomic-embed-text":  {"nomic-embed-text", 0.1, 0.5, false, 12},
	"mxbai-embed-large": {"mxbai-embed-large", 0.3, 0.7, false, 24},

	// Medium models, might fit one large GPU.
	"llama2:70b":   {"llama2:70b", 70, 40.0, true, 80},
	"llama3:70b":   {"llama3:70b", 70, 40.0, true, 80},
	"llama3.1:70b": {"llama3.1:70b", 70, 40.0, true, 80},
	"mixtral:8x7b": {"mixtral:8x7b", 47, 26.0, true, 32},
	"qwen2.5:72b":  {"qwen2.5:72b", 72, 42.0, true, 80},

	// Large models, require distribution.
	"llama3.1:405b": {"llama3.1:405b", 405, 230.0, true, 126},
	"mixtral:8x22b": {"mixtral:8x22b", 141, 80.0, true, 56},
}

var sizeToken = regexp.MustCompile(`(\d+(?:\.\d+)?)b`)

// Lookup returns the profile for model, falling back to a size-token
// heuristic for names not in the table.
func Lookup(model string) Profile {
	key := Normalize(model)

	if p, ok := profiles[key]; ok {
		return p
	}

	// Try without the tag.
	if base, _, ok := strings.Cut(key, ":"); ok {
		if p, ok := profiles[base]; ok {
			return p
		}
	}

	return estimate(model)
}

// estimate derives a profile from size tokens in the name ("3b", "70b",
// "405b", ...). Memory is roughly 0.6 GiB per billion parameters; models
// over 70B are assumed to need distribution.
func estimate(model string) Profile {
	params := 8.0 // default assumption for unknown models

	if m := sizeToken.FindStringSubmatch(strings.ToLower(model)); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			params = v
		}
	}

	layers := 32
	if int(params) > layers {
		layers = int(params)
	}

	p := Profile{
		Name:                model,
		ParamsB:             params,
		EstMemoryGiB:        params * 0.6,
		RequiresDistributed: params > 70,
		NumLayers:           layers,
	}

	slog.Debug("estimated model profile", "model", model, "params_b", p.ParamsB, "mem_gib", p.EstMemoryGiB, "distributed", p.RequiresDistributed)
	return p
}

// Normalize strips a ":latest" tag and lowercases the name so lookups
// match however the caller spells the model.
func Normalize(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	return strings.TrimSuffix(model, ":latest")
}

// RequiresSharding reports whether model must run on the sharded path.
// Sharding is off entirely when no rpc-server workers are configured.
func RequiresSharding(model string, shardingEnabled bool) bool {
	if !shardingEnabled {
		return false
	}

	p := Lookup(model)
	switch {
	case p.ParamsB <= 13:
		return false
	case p.ParamsB <= 70:
		return p.RequiresDistributed
	default:
		return true
	}
}
