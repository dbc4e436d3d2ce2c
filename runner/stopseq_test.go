package runner

import "testing"

func TestFindStop(t *testing.T) {
	ok, stop := FindStop("hello world<|end|>", []string{"<|end|>", "<|stop|>"})
	if !ok || stop != "<|end|>" {
		t.Fatalf("FindStop: got (%v, %q)", ok, stop)
	}

	ok, _ = FindStop("hello world", []string{"<|end|>"})
	if ok {
		t.Fatal("FindStop: unexpected match")
	}
}

func TestTruncateStop(t *testing.T) {
	pieces := []string{"hel", "lo wor", "ld<|end|>extra"}
	out, truncated := TruncateStop(pieces, "<|end|>")
	joined := ""
	for _, p := range out {
		joined += p
	}
	if joined != "hello world" {
		t.Fatalf("TruncateStop: got %q", joined)
	}
	if !truncated {
		t.Fatal("TruncateStop: expected truncation inside the last piece")
	}
}

func TestTruncateStopOnBoundary(t *testing.T) {
	pieces := []string{"hello", "<|end|>"}
	out, truncated := TruncateStop(pieces, "<|end|>")
	if len(out) != 1 || out[0] != "hello" {
		t.Fatalf("TruncateStop: got %v", out)
	}
	if truncated {
		t.Fatal("TruncateStop: cut landed exactly on a piece boundary")
	}
}

func TestContainsStopSuffix(t *testing.T) {
	if !ContainsStopSuffix("the quick <|en", []string{"<|end|>"}) {
		t.Fatal("expected a forming stop sequence to be detected")
	}
	if ContainsStopSuffix("the quick brown fox", []string{"<|end|>"}) {
		t.Fatal("unexpected stop-suffix match")
	}
}

func TestIncompleteUnicode(t *testing.T) {
	full := "café"
	if IncompleteUnicode(full) {
		t.Fatal("complete string reported incomplete")
	}

	// Truncate a 2-byte rune (é, 0xC3 0xA9) to just its lead byte.
	truncated := full[:len(full)-1]
	if !IncompleteUnicode(truncated) {
		t.Fatal("truncated multi-byte rune not detected")
	}
}
