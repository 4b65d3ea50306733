// Package impact diffs two revisions of a workspace file into structural
// change records. ScriptAnalyzer is the built-in engine; consumers hold the
// Analyzer interface and must work when no engine is wired in.
package impact

// ChangeKind is the engine's vocabulary for a structural edit. The analyzed
// workspaces are JavaScript projects, hence the class and export kinds.
type ChangeKind string

const (
	KindFunction ChangeKind = "function"
	KindClass    ChangeKind = "class"
	KindImport   ChangeKind = "import"
	KindExport   ChangeKind = "export"
)

// Change is one structural edit in one file.
type Change struct {
	Path   string     `json:"path"`
	Kind   ChangeKind `json:"kind"`
	Symbol string     `json:"symbol"`
	Detail string     `json:"detail,omitempty"`
}

// Analyzer diffs two revisions of a file into change records. A nil old
// revision means the previous content is unavailable and the whole file
// should be treated as new.
type Analyzer interface {
	Analyze(path string, oldContent, newContent []byte) ([]Change, error)
}
