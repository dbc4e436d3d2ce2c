// types_generation.go - Anfrage-/Antworttypen des Submit/Status Interfaces
// Enthaelt: Message, Tool, Usage, StatusResponse

package api

// Message ist eine Chat-Runde, die an Submit uebergeben wird. Formatierung
// und Chat-Templates liegen hinter model.Tokenizer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool wird unveraendert an den Tokenizer durchgereicht; Tool-Call-Extraktion
// aus generiertem Text ist ein externer Kollaborator, kein Teil dieses Moduls.
type Tool struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
}

// Usage spiegelt original_source/utils/usage.py: total_tokens wird bei
// Stornierung eingefroren, nicht aus prompt+completion nachberechnet.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheHitTokens   int `json:"cache_hit_tokens"`
}

// StatsSummary is the per-request timing breakdown surfaced by Status().
type StatsSummary struct {
	PrefillDurationMS  float64 `json:"prefill_duration_ms"`
	DecodeDurationMS   float64 `json:"decode_duration_ms"`
	DecodeThroughputTPS float64 `json:"decode_throughput_tps"`
}

// RequestStatus is one entry of StatusResponse.Requests.
type RequestStatus struct {
	RequestID     string       `json:"request_id"`
	State         string       `json:"state"`
	Usage         Usage        `json:"usage"`
	Stats         StatsSummary `json:"stats"`
	DecodeRunnerID int         `json:"decode_runner_id"`
}

// RequestCounters buckets in-flight requests by scheduling state.
type RequestCounters struct {
	Pending    int `json:"pending"`
	Prefilling int `json:"prefilling"`
	Decoding   int `json:"decoding"`
}

// StatusResponse is the Engine.Status() payload, per spec §6.
type StatusResponse struct {
	EngineState       string          `json:"engine_state"`
	RequestCounters   RequestCounters `json:"request_counters"`
	DecodeThroughput  float64         `json:"decode_throughput"`
	Requests          []RequestStatus `json:"requests"`
}
