// Package api holds the Ollama-compatible wire types spoken on both sides
// of the gateway: inbound from callers and outbound to pool nodes.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return "something went wrong, please see the gateway logs for details"
	}
}

// Metrics holds performance counters attached to inference responses.
type Metrics struct {
	TotalDuration      time.Duration `json:"total_duration,omitempty"`
	LoadDuration       time.Duration `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       time.Duration `json:"eval_duration,omitempty"`
}

// RoutingInfo is the gateway's routing decision, attached to responses
// under the "_routing" key for observability.
type RoutingInfo struct {
	// Backend is "pool" for task distribution, "sharded" for the
	// llama.cpp coordinator path.
	Backend string `json:"backend"`

	// Host and Port identify the chosen pool node.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Score and Reasoning explain the selection.
	Score     float64 `json:"score,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`

	// Coordinator is the "host:port" of the sharding coordinator.
	Coordinator     string `json:"coordinator,omitempty"`
	RPCBackendCount int    `json:"rpc_backend_count,omitempty"`

	RequestID  string `json:"request_id,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Message is a single message in a chat sequence.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	type Alias Message
	var a Alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	*m = Message(a)
	m.Role = strings.ToLower(m.Role)
	return nil
}

// ChatRequest describes a request to /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Stream is accepted for API compatibility; the gateway always
	// answers with the complete response body.
	Stream *bool `json:"stream,omitempty"`

	// Options lists model-specific options passed through to the backend.
	Options map[string]any `json:"options,omitempty"`

	// Priority biases node selection; 1..10, higher is more important.
	Priority int `json:"priority,omitempty"`
}

// ChatResponse is the response from /api/chat.
type ChatResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`

	Metrics

	Routing *RoutingInfo `json:"_routing,omitempty"`
}

// GenerateRequest describes a request to /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`

	Stream   *bool          `json:"stream,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// GenerateResponse is the response from /api/generate.
type GenerateResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Response   string    `json:"response"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`

	Metrics

	Routing *RoutingInfo `json:"_routing,omitempty"`
}

// EmbedRequest describes a request to /api/embed. Input is a string or a
// list of strings.
type EmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`

	Options  map[string]any `json:"options,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// InputStrings normalizes Input into a slice of strings.
func (r *EmbedRequest) InputStrings() ([]string, error) {
	switch v := r.Input.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid input type %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing input")
	default:
		return nil, fmt.Errorf("invalid input type %T", v)
	}
}

// EmbedResponse is the response from /api/embed.
type EmbedResponse struct {
	Model      string      `json:"model"`
	CreatedAt  time.Time   `json:"created_at"`
	Embeddings [][]float32 `json:"embeddings"`

	TotalDuration   time.Duration `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`

	Routing *RoutingInfo `json:"_routing,omitempty"`
}

// ProcessResponse is the answer from a node's /api/ps endpoint, used by
// the adaptive loop to infer GPU residency.
type ProcessResponse struct {
	Models []ProcessModelResponse `json:"models"`
}

type ProcessModelResponse struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	Size      int64     `json:"size"`
	SizeVRAM  int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
