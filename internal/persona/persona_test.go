package persona

import (
	"errors"
	"strings"
	"testing"

	"github.com/yunhe-labs/tourguide/internal/shared"
)

func TestLookupKnownPersonas(t *testing.T) {
	t.Parallel()

	for _, id := range []ID{YunXiaoAn, HuaiBoShi, AHuai} {
		p, err := Lookup(id)
		if err != nil {
			t.Fatalf("Lookup(%q) failed: %v", id, err)
		}
		if p.Icon == "" || p.Template == "" {
			t.Fatalf("persona %q missing metadata", id)
		}
	}
}

func TestLookupUnknownPersonaIsValidationError(t *testing.T) {
	t.Parallel()

	_, err := Lookup("pirate")
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseNormalizesKey(t *testing.T) {
	t.Parallel()

	id, err := Parse("  AHuai ")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id != AHuai {
		t.Fatalf("expected %q, got %q", AHuai, id)
	}
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	t.Parallel()

	p, _ := Lookup(HuaiBoShi)
	prompt := p.Render("Built in 605 CE.", "When was the canal built?")
	if !strings.Contains(prompt, "【Built in 605 CE.】") {
		t.Fatalf("context not substituted: %q", prompt)
	}
	if !strings.Contains(prompt, "【When was the canal built?】") {
		t.Fatalf("question not substituted: %q", prompt)
	}
	if strings.Contains(prompt, "{context}") || strings.Contains(prompt, "{question}") {
		t.Fatalf("placeholders left in prompt: %q", prompt)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	t.Parallel()

	all := All()
	all[0].Name = "changed"
	if All()[0].Name == "changed" {
		t.Fatal("All must not expose the catalog")
	}
}
