package impact

import (
	"strings"
	"testing"
)

func analyze(t *testing.T, path string, oldContent, newContent string) []Change {
	t.Helper()
	var old []byte
	if oldContent != "" {
		old = []byte(oldContent)
	}
	changes, err := ScriptAnalyzer{}.Analyze(path, old, []byte(newContent))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	return changes
}

func findChange(t *testing.T, changes []Change, symbol string) Change {
	t.Helper()
	for _, c := range changes {
		if c.Symbol == symbol {
			return c
		}
	}
	t.Fatalf("no change for symbol %q in %v", symbol, changes)
	return Change{}
}

func TestAnalyzeTreatsMissingOldRevisionAsAllNew(t *testing.T) {
	src := strings.Join([]string{
		`import { api } from './api';`,
		``,
		`export const VERSION = '1.0.0';`,
		``,
		`function render(state) {`,
		`  return state;`,
		`}`,
		``,
		`export class Store {`,
		`  constructor() {}`,
		`}`,
	}, "\n")

	changes := analyze(t, "app/main.ts", "", src)
	if len(changes) != 4 {
		t.Fatalf("got %d changes, want 4: %v", len(changes), changes)
	}
	for _, c := range changes {
		if c.Detail != "added" {
			t.Errorf("change %q: detail = %q, want added", c.Symbol, c.Detail)
		}
		if c.Path != "app/main.ts" {
			t.Errorf("change %q: path = %q", c.Symbol, c.Path)
		}
	}

	wantKinds := map[string]ChangeKind{
		"./api":   KindImport,
		"VERSION": KindExport,
		"render":  KindFunction,
		"Store":   KindClass,
	}
	for symbol, kind := range wantKinds {
		if got := findChange(t, changes, symbol).Kind; got != kind {
			t.Errorf("symbol %q: kind = %q, want %q", symbol, got, kind)
		}
	}
}

func TestAnalyzeDiffsByDeclarationName(t *testing.T) {
	oldSrc := "function save() {}\nfunction load() {}\n"
	newSrc := "function load() {}\nfunction reset() {}\n"

	changes := analyze(t, "store.js", oldSrc, newSrc)
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2: %v", len(changes), changes)
	}
	if c := findChange(t, changes, "save"); c.Detail != "removed" {
		t.Errorf("save: detail = %q, want removed", c.Detail)
	}
	if c := findChange(t, changes, "reset"); c.Detail != "added" {
		t.Errorf("reset: detail = %q, want added", c.Detail)
	}
	for _, c := range changes {
		if c.Symbol == "load" {
			t.Errorf("unchanged declaration reported: %v", c)
		}
	}
}

func TestAnalyzeReportsKindChange(t *testing.T) {
	changes := analyze(t, "task.ts", "function task() {}\n", "class task {\n}\n")
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1: %v", len(changes), changes)
	}
	c := changes[0]
	if c.Kind != KindClass {
		t.Errorf("kind = %q, want %q", c.Kind, KindClass)
	}
	if c.Detail != "was function" {
		t.Errorf("detail = %q, want %q", c.Detail, "was function")
	}
}

func TestAnalyzeRecognizesArrowAssignments(t *testing.T) {
	src := "const handler = async (req) => {\n  return req;\n};\n"
	changes := analyze(t, "handler.tsx", "", src)
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1: %v", len(changes), changes)
	}
	if changes[0].Symbol != "handler" || changes[0].Kind != KindFunction {
		t.Errorf("got %+v, want function handler", changes[0])
	}
}

func TestAnalyzeRejectsUnsupportedFileType(t *testing.T) {
	if _, err := (ScriptAnalyzer{}).Analyze("script.py", nil, []byte("def f(): pass")); err == nil {
		t.Fatal("expected error for unsupported file type")
	}
}

func TestAnalyzeOutputIsSorted(t *testing.T) {
	src := "function zeta() {}\nfunction alpha() {}\nfunction mid() {}\n"
	changes := analyze(t, "sorting.js", "", src)
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	for i := 1; i < len(changes); i++ {
		if changes[i-1].Symbol > changes[i].Symbol {
			t.Fatalf("changes not sorted: %v", changes)
		}
	}
}
