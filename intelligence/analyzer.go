// Package intelligence turns opaque inference payloads into task
// contexts and scores pool nodes against them. It is the routing brain:
// the analyzer classifies, the scorer ranks, the learning store remembers
// how long tasks actually took.
package intelligence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sollol/sollol/catalog"
)

// TaskType classifies what an inbound request is asking for.
type TaskType string

const (
	TaskGeneration     TaskType = "generation"
	TaskChat           TaskType = "chat"
	TaskEmbedding      TaskType = "embedding"
	TaskClassification TaskType = "classification"
	TaskSummarization  TaskType = "summarization"
	TaskUnknown        TaskType = "unknown"
)

// Complexity is a coarse estimate of how much work a request represents.
type Complexity string

const (
	ComplexityLight  Complexity = "light"
	ComplexityMedium Complexity = "medium"
	ComplexityHeavy  Complexity = "heavy"
)

const (
	lightThresholdChars  = 500
	mediumThresholdChars = 4000

	defaultModel    = "llama3.2"
	defaultPriority = 5

	// gpuMemoryThresholdGiB: chat/generation against models larger than
	// this want a GPU node.
	gpuMemoryThresholdGiB = 4.0
)

// ErrBadPayload marks payloads that cannot be analyzed.
var ErrBadPayload = errors.New("invalid request payload")

// TaskContext is the analyzed form of one inbound request.
type TaskContext struct {
	TaskType    TaskType
	Complexity  Complexity
	Model       string
	Priority    int
	RequiresGPU bool

	// InputChars is the summed length of all textual inputs.
	InputChars int

	Profile catalog.Profile
}

// Analyze classifies an opaque JSON payload. The payload itself is not
// retained; the router forwards the original bytes untouched.
func Analyze(payload []byte) (*TaskContext, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrBadPayload)
	}

	model, _ := body["model"].(string)
	if model == "" {
		model = defaultModel
	}

	taskType, text := classify(body)

	chars := len(text)
	complexity := ComplexityHeavy
	switch {
	case chars < lightThresholdChars:
		complexity = ComplexityLight
	case chars < mediumThresholdChars:
		complexity = ComplexityMedium
	}

	profile := catalog.Lookup(model)

	ctx := &TaskContext{
		TaskType:    taskType,
		Complexity:  complexity,
		Model:       model,
		Priority:    clampPriority(body["priority"]),
		RequiresGPU: requiresGPU(body, profile),
		InputChars:  chars,
		Profile:     profile,
	}

	return ctx, nil
}

// classify inspects the payload structure: messages means chat, prompt
// means generation, input means embedding. The last user content is
// scanned for classification and summarization cues, which refine the
// chat/generation types.
func classify(body map[string]any) (TaskType, string) {
	if msgs, ok := body["messages"].([]any); ok {
		all, lastUser := messageText(msgs)
		return refine(TaskChat, lastUser), all
	}

	if prompt, ok := body["prompt"].(string); ok {
		return refine(TaskGeneration, prompt), prompt
	}

	if input, ok := body["input"]; ok {
		return TaskEmbedding, inputText(input)
	}

	return TaskUnknown, ""
}

func refine(base TaskType, text string) TaskType {
	t := strings.ToLower(text)
	for _, cue := range []string{"classify", "categorize", "sentiment", "which category", "label this"} {
		if strings.Contains(t, cue) {
			return TaskClassification
		}
	}
	for _, cue := range []string{"summarize", "summary of", "tl;dr", "condense"} {
		if strings.Contains(t, cue) {
			return TaskSummarization
		}
	}
	return base
}

func messageText(msgs []any) (all, lastUser string) {
	var sb strings.Builder
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, _ := msg["content"].(string)
		sb.WriteString(content)
		if role, _ := msg["role"].(string); strings.EqualFold(role, "user") {
			lastUser = content
		}
	}
	return sb.String(), lastUser
}

func inputText(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			if s, ok := item.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// requiresGPU: completion-style tasks against models whose working set
// exceeds the GPU threshold want a GPU node. Embeddings run fine on CPU.
func requiresGPU(body map[string]any, profile catalog.Profile) bool {
	_, hasMessages := body["messages"]
	_, hasPrompt := body["prompt"]
	return (hasMessages || hasPrompt) && profile.EstMemoryGiB > gpuMemoryThresholdGiB
}

func clampPriority(v any) int {
	p := defaultPriority
	switch n := v.(type) {
	case float64:
		p = int(n)
	case int:
		p = n
	}

	if p < 1 {
		p = 1
	} else if p > 10 {
		p = 10
	}
	return p
}
