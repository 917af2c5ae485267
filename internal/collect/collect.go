// Package collect expands file patterns into the contract files to analyze.
package collect

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Supported artifact extensions.
const (
	SourceExt   = ".sol"
	BytecodeExt = ".hex"
	ManifestExt = ".txt"
)

// File is one discovered artifact.
type File struct {
	Abs string // normalized absolute path
	Rel string // path relative to the pattern root
}

// Pattern is a glob or manifest, optionally rooted at a directory.
type Pattern struct {
	Root string
	Spec string
}

// ParsePattern splits "DIR:PATTERN" into its parts. Without a colon the
// pattern has no root.
func ParsePattern(s string) Pattern {
	if root, spec, ok := strings.Cut(s, ":"); ok && root != "" && spec != "" {
		return Pattern{Root: root, Spec: spec}
	}
	return Pattern{Spec: s}
}

// Files expands each pattern. Manifests (.txt) list relative paths one per
// line; anything else is a recursive glob. Only regular .sol and .hex files
// are returned. Duplicates across patterns are kept.
func Files(specs []string) ([]File, error) {
	var files []File
	for _, s := range specs {
		p := ParsePattern(s)

		var rels []string
		var err error
		if strings.HasSuffix(p.Spec, ManifestExt) {
			rels, err = readManifest(p.Spec)
		} else {
			rels, err = glob(p.Root, p.Spec)
		}
		if err != nil {
			return nil, err
		}

		for _, rel := range rels {
			f, ok, err := resolve(p.Root, rel)
			if err != nil {
				return nil, err
			}
			if ok {
				files = append(files, f)
			}
		}
	}
	return files, nil
}

func resolve(root, rel string) (File, bool, error) {
	joined := rel
	if root != "" && !filepath.IsAbs(rel) {
		joined = filepath.Join(root, rel)
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return File{}, false, fmt.Errorf("resolving %s: %w", joined, err)
	}
	abs = filepath.Clean(abs)

	if ext := filepath.Ext(abs); ext != SourceExt && ext != BytecodeExt {
		return File{}, false, nil
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return File{}, false, nil
	}
	return File{Abs: abs, Rel: rel}, true, nil
}

func readManifest(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- manifest named on the command line
	if err != nil {
		return nil, fmt.Errorf("reading file list: %w", err)
	}
	defer f.Close()

	var rels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			rels = append(rels, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading file list %s: %w", path, err)
	}
	return rels, nil
}

// glob expands spec relative to root (or the working directory). Returned
// paths keep the pattern's own prefix, so "samples/**/*.sol" yields
// "samples/a/x.sol".
func glob(root, spec string) ([]string, error) {
	spec = filepath.ToSlash(spec)
	if !doublestar.ValidatePattern(spec) {
		return nil, fmt.Errorf("invalid file pattern %q", spec)
	}

	base, rest := doublestar.SplitPattern(spec)
	dir := filepath.FromSlash(base)
	if root != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, nil
	}

	matches, err := doublestar.Glob(os.DirFS(dir), rest, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("expanding %q: %w", spec, err)
	}

	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		rels = append(rels, filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m)))
	}
	return rels, nil
}
