// config_utils.go - Getter-Fabriken und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - Var: liest eine Environment-Variable
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var gibt eine Environment-Variable zurueck, getrimmt und ohne umschliessende
// Anfuehrungszeichen.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"HEYI_DEBUG":                       {"HEYI_DEBUG", LogLevel(), "Log verbosity (0=info, 1=debug, 2=trace)"},
		"HEYI_USE_CUDA_GRAPH":              {"HEYI_USE_CUDA_GRAPH", UseCudaGraph(), "Capture a CUDA graph per decode batch bucket"},
		"HEYI_BATCH_SIZES":                 {"HEYI_BATCH_SIZES", BatchSizesPerRunner(), "Ascending decode batch capture bucket sizes"},
		"HEYI_MAX_BATCH_SIZE":              {"HEYI_MAX_BATCH_SIZE", MaxBatchSize(), "Maximum requests held by the engine at once"},
		"HEYI_MAX_LENGTH":                  {"HEYI_MAX_LENGTH", MaxLength(), "Maximum prompt+generated length"},
		"HEYI_MAX_NEW_TOKENS":              {"HEYI_MAX_NEW_TOKENS", MaxNewTokens(), "Default max generated tokens per request"},
		"HEYI_PREFILL_CHUNK_SIZE":          {"HEYI_PREFILL_CHUNK_SIZE", PrefillChunkSize(), "Tokens processed per chunked-prefill step"},
		"HEYI_ENABLE_LAYERWISE_PREFILL":    {"HEYI_ENABLE_LAYERWISE_PREFILL", EnableLayerwisePrefill(), "Enable layerwise prefill for long cold prompts"},
		"HEYI_LAYERWISE_PREFILL_DEVICE":    {"HEYI_LAYERWISE_PREFILL_DEVICE", LayerwisePrefillDevice(), "Device id for the layerwise prefill runner (0=co-located)"},
		"HEYI_LAYERWISE_PREFILL_THRESH_LEN": {"HEYI_LAYERWISE_PREFILL_THRESH_LEN", LayerwisePrefillThreshLen(), "Minimum unmatched prompt length to admit layerwise prefill"},
		"HEYI_KVCACHE_PAGE_SIZE":           {"HEYI_KVCACHE_PAGE_SIZE", KVCachePageSize(), "Tokens per KV-cache page"},
		"HEYI_KVCACHE_NUM_TOKENS":          {"HEYI_KVCACHE_NUM_TOKENS", KVCacheNumTokens(), "Total KV-cache capacity in tokens"},
		"HEYI_NUM_CPU_THREADS":             {"HEYI_NUM_CPU_THREADS", NumCPUThreads(), "CPU threads reserved for expert compute (0=runtime default)"},
		"HEYI_NUM_DECODE_RUNNERS":          {"HEYI_NUM_DECODE_RUNNERS", NumDecodeRunners(), "Number of parallel decode runners"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
