package slf

import (
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const noEntry = -1

// node is a directory (children != nil) or a file pointing at an index entry.
type node struct {
	entry    int
	children map[string]*node
}

func newDirNode() *node {
	return &node{entry: noEntry, children: make(map[string]*node)}
}

func (n *node) isDir() bool {
	return n.children != nil
}

func (n *node) sortedNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildTree lays the entries out as a directory hierarchy. A file that
// collides with a directory of the same name is kept under the name with
// DirectoryConflictSuffix appended.
func buildTree(entries []Entry) *node {
	root := newDirNode()

	for i, e := range entries {
		parts := splitPath(e.Name)
		if len(parts) == 0 {
			log.Warn().Int("entry", i).Msg("skipping entry with empty name")
			continue
		}

		dir := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := dir.children[part]
			if ok && !child.isDir() {
				delete(dir.children, part)
				moved := part + DirectoryConflictSuffix
				if _, taken := dir.children[moved]; taken {
					log.Warn().Str("name", moved).Msg("dropping conflicting file, suffixed name already in use")
				} else {
					log.Debug().Str("from", part).Str("to", moved).Msg("renamed file shadowing a directory")
					dir.children[moved] = child
				}
				ok = false
			}
			if !ok {
				child = newDirNode()
				dir.children[part] = child
			}
			dir = child
		}

		leaf := parts[len(parts)-1]
		if existing, ok := dir.children[leaf]; ok && existing.isDir() {
			leaf += DirectoryConflictSuffix
		}
		if existing, ok := dir.children[leaf]; ok {
			log.Warn().
				Str("name", e.Name).
				Int("entry", i).
				Int("shadowed_by", existing.entry).
				Msg("duplicate entry, keeping the first")
			continue
		}
		dir.children[leaf] = &node{entry: i}
	}

	return root
}

func (n *node) lookup(name string) *node {
	cur := n
	for _, part := range splitPath(name) {
		if !cur.isDir() {
			return nil
		}
		child, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// cleanPath returns the absolute slash separated form of name.
func cleanPath(name string) string {
	return path.Clean("/" + name)
}

func splitPath(name string) []string {
	trimmed := strings.Trim(cleanPath(name), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
