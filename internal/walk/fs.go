package walk

import (
	"context"
	"io/fs"
	"iter"
	"path"
	"path/filepath"
	"slices"
)

// DefaultSkip lists directory names Dirs does not descend into.
var DefaultSkip = []string{".git", "target", "node_modules"}

// Dirs recursively walks the filesystem rooted at root and yields every
// directory containing a regular file named marker, or an error if a
// directory can't be read. Yielded paths are prefixed with name, in most
// cases an absolute path. Directories listed in skip are not descended,
// symlinks are not followed.
func Dirs(ctx context.Context, root fs.FS, name, marker string, skip []string) iter.Seq2[string, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(string, error) bool) {
		fn := func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(filepath.Join(name, filepath.FromSlash(p)), err) {
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() {
				if p != "." && slices.Contains(skip, d.Name()) {
					return fs.SkipDir
				}
				return nil
			}
			if d.Name() != marker || !d.Type().IsRegular() {
				return nil
			}
			if !yield(filepath.Join(name, filepath.FromSlash(path.Dir(p))), nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}
