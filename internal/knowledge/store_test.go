package knowledge

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

func sampleEntries() []domain.KnowledgeEntry {
	return []domain.KnowledgeEntry{
		{Category: " History ", Question: "When was the canal built?", Context: "Built in 605 CE."},
		{Category: "Food", Question: "What is ruanbo changyu?", Context: "A braised eel dish."},
		{Category: "History", Question: "Who was Zhou Enlai?", Context: "Premier born in Huai'an."},
		{Category: "Food", Question: "", Context: "orphan row"},
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	s := New(sampleEntries())
	for _, e := range s.entries {
		lower := s.Lookup(e.Question)
		upper := s.Lookup(strings.ToUpper(e.Question))
		if lower != upper {
			t.Fatalf("lookup differs by case for %q: %q vs %q", e.Question, lower, upper)
		}
		if lower != e.Context {
			t.Fatalf("lookup(%q) = %q, want %q", e.Question, lower, e.Context)
		}
	}
}

func TestLookupMissReturnsSentinel(t *testing.T) {
	t.Parallel()

	s := New(sampleEntries())
	if got := s.Lookup("Is the canal longer than the Nile?"); got != NoMatchContext {
		t.Fatalf("expected sentinel, got %q", got)
	}
	if got := New(nil).Lookup("anything"); got != NoMatchContext {
		t.Fatalf("expected sentinel from empty store, got %q", got)
	}
}

func TestCategoriesAreTrimmedSortedUnique(t *testing.T) {
	t.Parallel()

	s := New(sampleEntries())
	want := []string{"Food", "History"}
	if got := s.Categories(); !slices.Equal(got, want) {
		t.Fatalf("Categories = %v, want %v", got, want)
	}
	if !s.HasCategory("History") || s.HasCategory(" History ") {
		t.Fatal("HasCategory must match trimmed names only")
	}
	if got := s.Questions("History"); len(got) != 2 {
		t.Fatalf("expected 2 history questions, got %v", got)
	}
	if s.Len() != 3 {
		t.Fatalf("expected rows without question to be skipped, got %d entries", s.Len())
	}
}

func TestLoadCSVWithChineseHeaders(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kb.csv")
	data := "\ufeff类别,问题,核心知识点\n 历史 ,淮安有多少年历史？,两千多年。\n美食,软兜长鱼是什么？,淮扬名菜。\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	if got := s.Lookup("淮安有多少年历史？"); got != "两千多年。" {
		t.Fatalf("unexpected context %q", got)
	}
	if !s.HasCategory("历史") {
		t.Fatalf("expected trimmed category, got %v", s.Categories())
	}
}

func TestLoadCSVStripsByteOrderMark(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kb.csv")
	data := "\ufeffCategory,Question,Context\nHistory,When was the canal built?,Built in 605 CE.\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := s.Lookup("when was the canal built?"); got != "Built in 605 CE." {
		t.Fatalf("unexpected context %q", got)
	}
	if cats := s.Categories(); len(cats) != 1 || cats[0] != "History" {
		t.Fatalf("categories = %v", cats)
	}
}

func TestLoadXLSX(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kb.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"category", "question", "context"},
		{"History", "When was the canal built?", "Built in 605 CE."},
	}
	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cellName, &row); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := s.Lookup("WHEN WAS THE CANAL BUILT?"); got != "Built in 605 CE." {
		t.Fatalf("unexpected context %q", got)
	}
}

func TestLoadErrorsAreLoadErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	badHeader := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(badHeader, []byte("a,b\n1,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{
		filepath.Join(dir, "missing.xlsx"),
		filepath.Join(dir, "kb.json"),
		badHeader,
	} {
		if _, err := Load(path); !errors.Is(err, shared.ErrLoad) {
			t.Errorf("Load(%s): expected ErrLoad, got %v", path, err)
		}
	}
}

func TestLoadOrEmptyDegrades(t *testing.T) {
	t.Parallel()

	s := LoadOrEmpty(filepath.Join(t.TempDir(), "missing.xlsx"))
	if s == nil || s.Len() != 0 || len(s.Categories()) != 0 {
		t.Fatal("expected empty store")
	}
}
