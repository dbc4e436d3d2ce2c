// decode.go - tokenizer-driven text emission and stop detection. This is
// the seam Request itself cannot own: only Engine holds a model.Tokenizer
// (grounded on original_source/engine.py's _decode_and_emit step inside
// the continuous-batching substep).
package scheduler

import (
	"log/slog"

	"github.com/heyi/engine/runner"
)

// emitToken appends token to req's token cache, decodes the cache to text,
// and pushes whatever is safe to release (withholding a trailing partial
// rune or a prefix of a stop string still possibly forming). It reports
// the stop reason: "stop" for EOS or a matched stop string, "error" when
// decoding fails, or "" to keep going.
func (e *Engine) emitToken(req *Request, token int32) (reason string) {
	req.TokenCache = append(req.TokenCache, token)

	text, err := e.tokenizer.Decode(req.TokenCache)
	if err != nil {
		slog.Error("decode failed, cancelling request", "id", req.ID, "err", err)
		return "error"
	}

	if e.tokenizer.IsEOS(token) {
		req.Emit(text)
		req.TokenCache = req.TokenCache[:0]
		return "stop"
	}

	if found, stop := runner.FindStop(text, req.Stop); found {
		kept, _ := runner.TruncateStop(pieceSlice(text), stop)
		req.Emit(joinPieces(kept))
		req.TokenCache = req.TokenCache[:0]
		return "stop"
	}

	if runner.IncompleteUnicode(text) || runner.ContainsStopSuffix(text, req.Stop) {
		// Hold back: either mid-rune or possibly the start of a configured
		// stop string. Wait for the next token before deciding.
		return ""
	}

	req.Emit(text)
	req.TokenCache = req.TokenCache[:0]
	return ""
}

// pieceSlice wraps a decoded chunk as the single-piece list TruncateStop
// expects; Request decodes its whole token cache at once rather than
// piece-by-piece, so there is always exactly one piece to truncate.
func pieceSlice(text string) []string { return []string{text} }

func joinPieces(pieces []string) string {
	out := ""
	for _, p := range pieces {
		out += p
	}
	return out
}
