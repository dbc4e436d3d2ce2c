// config.go - Engine-Konfiguration
//
// Dieses Modul enthaelt die Kernoptionen aus spec.md §6 "Configuration":
// - UseCudaGraph, BatchSizesPerRunner, MaxBatchSize, MaxLength,
//   MaxNewTokens, PrefillChunkSize, EnableLayerwisePrefill,
//   LayerwisePrefillDevice, LayerwisePrefillThreshLen, KVCachePageSize,
//   KVCacheNumTokens, NumCPUThreads, NumDecodeRunners
//
// Weitere Getter sind ausgelagert:
// - config_utils.go: Getter-Fabriken, Var(), AsMap/Values
// - config_file.go: optionaler YAML-Override
package envconfig

import (
	"log/slog"
	"strconv"
	"strings"
)

// UseCudaGraph steuert ob DecodeRunner Graph-Capture fuer jede Bucket-Groesse
// in BatchSizesPerRunner einsetzt. Konfigurierbar via HEYI_USE_CUDA_GRAPH.
func UseCudaGraph() bool {
	return BoolWithDefault("HEYI_USE_CUDA_GRAPH")(true)
}

// BatchSizesPerRunner sind die aufsteigend sortierten Capture-Bucket-Groessen
// (spec.md Bs) fuer die Continuous-Batching-Decode-Substeps.
// Konfigurierbar via HEYI_BATCH_SIZES (komma-separiert). Default: 1,2,4,8,16,32.
func BatchSizesPerRunner() []int {
	def := []int{1, 2, 4, 8, 16, 32}
	s := Var("HEYI_BATCH_SIZES")
	if s == "" {
		return def
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			slog.Warn("invalid batch size entry, skipping", "value", p)
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// MaxBatchSize bounds how many requests the engine holds at once; Submit
// rejects further requests with ErrMaxQueue. Konfigurierbar via HEYI_MAX_BATCH_SIZE.
func MaxBatchSize() uint {
	return Uint("HEYI_MAX_BATCH_SIZE", 256)()
}

// MaxLength ist die harte Obergrenze fuer all_length (Prompt+generiert).
// Konfigurierbar via HEYI_MAX_LENGTH.
func MaxLength() uint {
	return Uint("HEYI_MAX_LENGTH", 32768)()
}

// MaxNewTokens ist die Default-Obergrenze fuer generierte Tokens pro Anfrage.
// Konfigurierbar via HEYI_MAX_NEW_TOKENS.
func MaxNewTokens() uint {
	return Uint("HEYI_MAX_NEW_TOKENS", 4096)()
}

// PrefillChunkSize ist die Tokenanzahl pro Chunked-Prefill-Schritt.
// Konfigurierbar via HEYI_PREFILL_CHUNK_SIZE.
func PrefillChunkSize() uint {
	return Uint("HEYI_PREFILL_CHUNK_SIZE", 512)()
}

// EnableLayerwisePrefill schaltet die layerweise Prefill-Runner-Pfad fuer
// lange, kalte Prompts ein. Konfigurierbar via HEYI_ENABLE_LAYERWISE_PREFILL.
func EnableLayerwisePrefill() bool {
	return Bool("HEYI_ENABLE_LAYERWISE_PREFILL")()
}

// LayerwisePrefillDevice: 0 bedeutet co-located (blockierender Pfad, der
// Hauptmodell+KV kurzzeitig auf CPU evakuiert); >0 ein separates Device.
// Konfigurierbar via HEYI_LAYERWISE_PREFILL_DEVICE.
func LayerwisePrefillDevice() uint {
	return Uint("HEYI_LAYERWISE_PREFILL_DEVICE", 0)()
}

// LayerwisePrefillThreshLen ist die Mindestanzahl unmatched Prompt-Tokens,
// ab der eine Anfrage fuer layerweises Prefill in Frage kommt.
// Konfigurierbar via HEYI_LAYERWISE_PREFILL_THRESH_LEN.
func LayerwisePrefillThreshLen() uint {
	return Uint("HEYI_LAYERWISE_PREFILL_THRESH_LEN", 4096)()
}

// KVCachePageSize ist die Tokenanzahl pro KV-Cache-Seite.
// Konfigurierbar via HEYI_KVCACHE_PAGE_SIZE.
func KVCachePageSize() uint {
	return Uint("HEYI_KVCACHE_PAGE_SIZE", 16)()
}

// KVCacheNumTokens ist die Gesamtkapazitaet des Paged-KV-Cache in Tokens.
// Konfigurierbar via HEYI_KVCACHE_NUM_TOKENS.
func KVCacheNumTokens() uint {
	return Uint("HEYI_KVCACHE_NUM_TOKENS", 131072)()
}

// NumCPUThreads begrenzt CPU-Threads fuer CPU-resident Expert-Compute.
// Konfigurierbar via HEYI_NUM_CPU_THREADS. 0 = Laufzeit entscheidet.
func NumCPUThreads() uint {
	return Uint("HEYI_NUM_CPU_THREADS", 0)()
}

// NumDecodeRunners ist N_RUNNERS, die Anzahl paralleler Decode-Runner.
// Konfigurierbar via HEYI_NUM_DECODE_RUNNERS.
func NumDecodeRunners() uint {
	return Uint("HEYI_NUM_DECODE_RUNNERS", 2)()
}

// LogLevel gibt das Log-Level zurueck.
// Konfigurierbar via HEYI_DEBUG. Werte: 0/false = INFO, 1/true = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("HEYI_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}
