// Package workspace maps projects onto directories under the workspace root.
//
// Layout: <root>/<user email>/<project name>/src holds the project's code
// units. The src directory is the project root seen by the execution layer.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

// StarterFile is written into every new project.
const (
	StarterFile = "main.py"
	StarterFunc = "main"
)

const starterSource = `
def main():
    pass
`

type Workspace struct {
	root string
}

func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errdefs.Configuration("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "workspace root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create workspace root")
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

// ProjectRoot returns the src directory of a project. It does not touch disk.
func (w *Workspace) ProjectRoot(userEmail, projectName string) (string, error) {
	if err := validName("user", userEmail); err != nil {
		return "", err
	}
	if err := validName("project", projectName); err != nil {
		return "", err
	}
	return filepath.Join(w.root, userEmail, projectName, "src"), nil
}

// Ensure creates the project directories and the starter file if missing.
func (w *Workspace) Ensure(userEmail, projectName string) (string, error) {
	root, err := w.ProjectRoot(userEmail, projectName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrapf(err, "create project %s", projectName)
	}
	starter := filepath.Join(root, StarterFile)
	if _, err := os.Stat(starter); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(starter, []byte(starterSource), 0o644); err != nil {
			return "", errors.Wrap(err, "write starter file")
		}
	}
	return root, nil
}

// Remove deletes the project directory (the parent of src).
func (w *Workspace) Remove(userEmail, projectName string) error {
	root, err := w.ProjectRoot(userEmail, projectName)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Dir(root))
}

// CheckUser rejects emails that cannot be used as a directory name.
func CheckUser(email string) error { return validName("user", email) }

func validName(kind, name string) error {
	n := strings.TrimSpace(name)
	if n == "" || n == "." || n == ".." || n != name || strings.ContainsAny(n, `/\`) {
		return errdefs.Configuration("invalid %s name %q", kind, name)
	}
	return nil
}

// ResolveEntryFile returns the absolute path of rel inside projectRoot.
// rel must be relative, must stay under projectRoot and must name a
// regular file; anything else is NotFound.
func ResolveEntryFile(projectRoot, rel string) (string, error) {
	p, err := Within(projectRoot, rel)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return "", errdefs.NotFound("entry file %q not found", rel)
	}
	return p, nil
}

// Within joins rel onto root and rejects results outside root.
func Within(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" || filepath.IsAbs(rel) {
		return "", errdefs.NotFound("path %q not found", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "project root")
	}
	p := filepath.Join(absRoot, filepath.FromSlash(rel))
	if !HasPathPrefix(p, absRoot) {
		return "", errdefs.NotFound("path %q not found", rel)
	}
	return p, nil
}

// HasPathPrefix reports whether p is prefix or lies below it, matching
// whole path elements only.
func HasPathPrefix(p, prefix string) bool {
	p = filepath.Clean(p)
	prefix = filepath.Clean(prefix)
	if p == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}
