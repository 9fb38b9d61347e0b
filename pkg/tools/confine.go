package tools

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPermissionDenied is returned for paths that escape the working directory.
var ErrPermissionDenied = errors.New("permission denied")

// Resolve turns p into an absolute path, following symlinks component by
// component for as long as the path exists, and reports whether the result
// lies inside root (itself symlink-resolved). Components that do not exist
// yet are appended lexically.
func Resolve(root, p string) (resolved string, inside bool, err error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false, err
	}
	realRoot = filepath.Clean(realRoot)

	cur := realRoot
	if filepath.IsAbs(p) {
		cur = string(filepath.Separator)
	}
	exists := true
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			if !exists {
				if _, err := os.Lstat(cur); err == nil {
					exists = true
				}
			}
			continue
		}
		cur = filepath.Join(cur, part)
		if !exists {
			continue
		}
		target, err := filepath.EvalSymlinks(cur)
		switch {
		case err == nil:
			cur = target
		case errors.Is(err, fs.ErrNotExist):
			// A dangling symlink must not be written through.
			if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
				return "", false, err
			}
			exists = false
		default:
			return "", false, err
		}
	}
	return cur, within(cur, realRoot), nil
}

// Confine resolves p and fails with ErrPermissionDenied when it escapes root.
func Confine(root, p string) (string, error) {
	resolved, inside, err := Resolve(root, p)
	if err != nil {
		return "", errors.Join(ErrPermissionDenied, err)
	}
	if !inside {
		return "", ErrPermissionDenied
	}
	return resolved, nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func joinPath(cwd, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}
