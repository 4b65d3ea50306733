package impact

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

var scriptExtensions = map[string]bool{
	".js":  true,
	".jsx": true,
	".ts":  true,
	".tsx": true,
}

// ScriptAnalyzer recognizes top-level JavaScript and TypeScript declarations
// by line shape and diffs two revisions by declaration name. It is a
// heuristic scanner, not a parser: nested and multi-line declarations are
// invisible to it.
type ScriptAnalyzer struct{}

type declaration struct {
	kind   ChangeKind
	symbol string
}

func (ScriptAnalyzer) Analyze(path string, oldContent, newContent []byte) ([]Change, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !scriptExtensions[ext] {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}

	oldDecls := scanDeclarations(string(oldContent))
	newDecls := scanDeclarations(string(newContent))

	changes := make([]Change, 0, len(newDecls))
	for symbol, decl := range oldDecls {
		if _, ok := newDecls[symbol]; !ok {
			changes = append(changes, Change{
				Path:   path,
				Kind:   decl.kind,
				Symbol: symbol,
				Detail: "removed",
			})
		}
	}
	for symbol, decl := range newDecls {
		old, ok := oldDecls[symbol]
		switch {
		case !ok:
			changes = append(changes, Change{
				Path:   path,
				Kind:   decl.kind,
				Symbol: symbol,
				Detail: "added",
			})
		case old.kind != decl.kind:
			changes = append(changes, Change{
				Path:   path,
				Kind:   decl.kind,
				Symbol: symbol,
				Detail: fmt.Sprintf("was %s", old.kind),
			})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Symbol != changes[j].Symbol {
			return changes[i].Symbol < changes[j].Symbol
		}
		return changes[i].Detail < changes[j].Detail
	})
	return changes, nil
}

func scanDeclarations(content string) map[string]declaration {
	decls := map[string]declaration{}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if name, ok := functionName(trimmed); ok {
			decls[name] = declaration{kind: KindFunction, symbol: name}
			continue
		}
		if name, ok := className(trimmed); ok {
			decls[name] = declaration{kind: KindClass, symbol: name}
			continue
		}
		if name, ok := importModule(trimmed); ok {
			decls[name] = declaration{kind: KindImport, symbol: name}
			continue
		}
		if name, ok := exportName(trimmed); ok {
			decls[name] = declaration{kind: KindExport, symbol: name}
		}
	}
	return decls
}

func functionName(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "function "); ok {
		return identifierBefore(rest, "("), true
	}
	if rest, ok := strings.CutPrefix(line, "export function "); ok {
		return identifierBefore(rest, "("), true
	}
	if strings.Contains(line, " = ") && strings.Contains(line, " => ") {
		left := strings.SplitN(line, " = ", 2)[0]
		fields := strings.Fields(left)
		if len(fields) > 0 {
			return fields[len(fields)-1], true
		}
	}
	return "", false
}

func className(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "class ")
	if !ok {
		rest, ok = strings.CutPrefix(line, "export class ")
	}
	if !ok {
		return "", false
	}
	name := identifierBefore(rest, "{")
	if name == "" {
		return "", false
	}
	return name, true
}

func importModule(line string) (string, bool) {
	if !strings.HasPrefix(line, "import ") {
		return "", false
	}
	_, modulePart, ok := strings.Cut(line, " from ")
	if !ok {
		return "", false
	}
	module := strings.Trim(strings.TrimSuffix(strings.TrimSpace(modulePart), ";"), `'"`)
	if module == "" {
		return "", false
	}
	return module, true
}

func exportName(line string) (string, bool) {
	for _, prefix := range []string{"export const ", "export let ", "export var ", "export default "} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			name := identifierBefore(rest, "=")
			name = strings.TrimSuffix(name, ";")
			if name == "" {
				return "", false
			}
			return name, true
		}
	}
	return "", false
}

// identifierBefore returns the first whitespace-delimited token of rest,
// cut at the stop character if present.
func identifierBefore(rest, stop string) string {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(fields[0], stop)
	return strings.TrimSpace(name)
}
