package normalize_test

import (
	"testing"
	"time"

	"github.com/sourcewatch/sourcewatch/domain"
	"github.com/sourcewatch/sourcewatch/normalize"
)

func rawMsg(text string) domain.RawMessage {
	return domain.RawMessage{
		SourceID:  "src-1",
		MessageID: "m1",
		ArrivedAt: time.Now(),
		Text:      text,
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := rawMsg("  Strike   reported  near Khan Younis [via @source] ")
	a := normalize.Normalize(raw)
	b := normalize.Normalize(raw)
	if a.Hash != b.Hash || a.TextNorm != b.TextNorm {
		t.Fatalf("normalize is not deterministic: %+v vs %+v", a, b)
	}
}

func TestNormalizeEquivalentContentProducesSameHash(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"trailer stripped", "Strike near the port (forwarded)", "Strike near the port"},
		{"whitespace collapsed", "Strike   near   port", "Strike near port"},
		{"case folded", "STRIKE NEAR PORT", "strike near port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			na := normalize.Normalize(rawMsg(tc.a))
			nb := normalize.Normalize(rawMsg(tc.b))
			if na.Hash != nb.Hash {
				t.Fatalf("expected equal hashes for %q and %q, got %s vs %s", tc.a, tc.b, na.Hash, nb.Hash)
			}
		})
	}
}

func TestNormalizeEmptyTextIsFlagged(t *testing.T) {
	n := normalize.Normalize(rawMsg("   [forwarded]  "))
	if !n.Empty {
		t.Fatalf("expected empty=true for a message that normalizes to nothing, got %+v", n)
	}
	expected := normalize.Normalize(rawMsg(""))
	if n.Hash != expected.Hash {
		t.Fatalf("expected empty-normalized hash to equal the empty string's digest")
	}
}

func TestNormalizeDiacriticsStripped(t *testing.T) {
	n := normalize.Normalize(rawMsg("قصف مدفعي"))
	if n.LangGuess != "ar" {
		t.Fatalf("expected lang_guess=ar, got %s", n.LangGuess)
	}
	if n.Empty {
		t.Fatalf("expected non-empty normalized text")
	}
	voweled := normalize.Normalize(rawMsg("قَصف مدفعي"))
	if voweled.TextNorm != n.TextNorm || voweled.Hash != n.Hash {
		t.Fatalf("expected the fatha to be stripped, got %q vs %q", voweled.TextNorm, n.TextNorm)
	}
}
