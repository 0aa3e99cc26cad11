package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileNode is one entry in a workspace file tree. Path is relative to the
// tree's root.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"is_dir"`
	Children []FileNode `json:"children,omitempty"`
}

// ignored reports whether an entry is left out of counts, trees and watches.
// Dot entries cover .git; the others are dependency caches.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor"
}

// walkVisible calls fn for every entry below root that is not ignored and
// not inside an ignored directory. Unreadable entries are skipped.
func walkVisible(root string, fn func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		if ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(path, d)
	})
}

// CountFiles counts the visible regular files under dir.
func CountFiles(dir string) int {
	n := 0
	walkVisible(dir, func(_ string, d fs.DirEntry) error {
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

// BuildFileTree lists dir up to maxDepth levels, directories before files and
// each group by name.
func BuildFileTree(dir string, maxDepth int) []FileNode {
	return treeAt(dir, "", maxDepth)
}

func treeAt(root, rel string, levels int) []FileNode {
	if levels <= 0 {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return nil
	}
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool { return ignored(e.Name()) })
	// ReadDir sorts by name; a stable sort keeps that within each group.
	slices.SortStableFunc(entries, func(a, b os.DirEntry) int {
		switch {
		case a.IsDir() == b.IsDir():
			return 0
		case a.IsDir():
			return -1
		default:
			return 1
		}
	})

	nodes := make([]FileNode, len(entries))
	for i, e := range entries {
		p := filepath.Join(rel, e.Name())
		nodes[i] = FileNode{Name: e.Name(), Path: p, IsDir: e.IsDir()}
		if e.IsDir() {
			nodes[i].Children = treeAt(root, p, levels-1)
		}
	}
	return nodes
}

// watchTree adds dir and every visible directory below it to w.
func watchTree(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return err
	}
	return walkVisible(dir, func(path string, d fs.DirEntry) error {
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}
