package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirLoader serves template sources from a directory tree. Paths are
// slash separated and relative to the root; escaping the root is
// rejected.
func DirLoader(root string) Loader {
	return LoaderFunc(func(path string) (string, error) {
		clean := filepath.Clean(filepath.FromSlash(path))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return "", fmt.Errorf("template path %q escapes the template root", path)
		}
		data, err := os.ReadFile(filepath.Join(root, clean))
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}
