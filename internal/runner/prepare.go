package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/understudy-hq/understudy/internal/session"
	"golang.org/x/sys/unix"
)

// prepareScratch materializes a session's synchronized state into a fresh
// scratch directory that will be bind-mounted into the sandbox. Only string
// state values become files; everything else is opaque payload the sandbox
// has no use for.
func (r *Runner) prepareScratch(sess *session.Session) (string, error) {
	root := r.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := checkScratchSpace(root, r.minScratchBytes()); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(root, fmt.Sprintf("understudy-session-%s-", sess.ID))
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	if err := writeProjectDescriptor(dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	for name, value := range sess.State {
		content, ok := value.(string)
		if !ok {
			continue
		}
		target := filepath.Join(dir, name)
		if !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
			if r.Logger != nil {
				r.Logger.Warn("state entry escapes scratch dir, skipped",
					"session_id", sess.ID,
					"entry", name,
				)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("create state dir for %q: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("write state file %q: %w", name, err)
		}
	}

	return dir, nil
}

// writeProjectDescriptor synthesizes the minimal package.json the Node
// sandbox image expects to find in its working directory.
func writeProjectDescriptor(dir string) error {
	descriptor := map[string]any{
		"name":    "understudy-session",
		"version": "1.0.0",
		"scripts": map[string]string{
			"test": `echo "No tests specified"`,
		},
	}

	data, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return fmt.Errorf("encode package.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), data, 0o644); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}
	return nil
}

func checkScratchSpace(root string, minBytes uint64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", root, err)
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	if free < minBytes {
		return fmt.Errorf("scratch root %s has %d bytes free, need %d: %w",
			root, free, minBytes, ErrScratchSpace)
	}
	return nil
}
