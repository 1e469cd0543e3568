package workspace

import (
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
)

// Node is one entry of a project file tree. Paths are slash separated and
// relative to the project root.
type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Dir      bool   `json:"dir,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Children []Node `json:"children,omitempty"`
}

// ignored names never show up in a tree.
var ignored = []string{"*.pyc", "__pycache__", ".*"}

func skip(name string) bool {
	for _, pat := range ignored {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Tree lists projectRoot recursively, directories first, then by name.
func Tree(projectRoot string) ([]Node, error) {
	return walk(projectRoot, "")
}

func walk(root, rel string) ([]Node, error) {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, errors.Wrapf(err, "list %q", rel)
	}
	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		if skip(e.Name()) {
			continue
		}
		n := Node{Name: e.Name(), Path: path.Join(rel, e.Name())}
		switch {
		case e.IsDir():
			n.Dir = true
			if n.Children, err = walk(root, n.Path); err != nil {
				return nil, err
			}
		case e.Type().IsRegular():
			if info, err := e.Info(); err == nil {
				n.Size = info.Size()
			}
		default:
			continue // symlinks and devices
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Dir != out[j].Dir {
			return out[i].Dir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
