package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultForeignPrefix is the deployment root that stack traces from the
// production container report.
const DefaultForeignPrefix = "/usr/srv/app"

// PrefixMapping rewrites a foreign absolute prefix (a container path, say)
// to a local directory. An empty or relative To is taken relative to the
// codebase root.
type PrefixMapping struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Resolver maps requested paths to canonical paths inside the codebase root
// (for reads) or the output directory (for writes).
type Resolver struct {
	root      string
	outputDir string
	readRoots []string
	mappings  []PrefixMapping
	reserved  map[string]bool
}

// NewResolver canonicalizes the roots. The codebase root must exist.
func NewResolver(codebaseRoot, outputDir string, mappings []PrefixMapping, extraReadRoots ...string) (*Resolver, error) {
	root, err := canonicalRoot(codebaseRoot)
	if err != nil {
		return nil, fmt.Errorf("codebase root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("codebase root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("codebase root %s: %w", codebaseRoot, ErrNotADirectory)
	}

	out, err := canonicalRoot(outputDir)
	if err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}

	r := &Resolver{root: root, outputDir: out, readRoots: []string{root}}
	for _, extra := range extraReadRoots {
		c, err := canonicalRoot(extra)
		if err != nil {
			return nil, fmt.Errorf("read root %s: %w", extra, err)
		}
		r.readRoots = append(r.readRoots, c)
	}

	for _, m := range mappings {
		from := filepath.Clean(m.From)
		if !filepath.IsAbs(from) {
			return nil, fmt.Errorf("path mapping %q: from must be absolute", m.From)
		}
		to := m.To
		switch {
		case to == "" || to == ".":
			to = root
		case !filepath.IsAbs(to):
			to = filepath.Join(root, to)
		}
		r.mappings = append(r.mappings, PrefixMapping{From: from, To: filepath.Clean(to)})
	}
	// Longest prefix wins.
	sort.SliceStable(r.mappings, func(i, j int) bool {
		return len(r.mappings[i].From) > len(r.mappings[j].From)
	})
	return r, nil
}

// Root returns the canonical codebase root.
func (r *Resolver) Root() string { return r.root }

// OutputDir returns the canonical output directory.
func (r *Resolver) OutputDir() string { return r.outputDir }

// Rewrite applies the foreign-prefix table to p without touching the
// filesystem.
func (r *Resolver) Rewrite(p string) string {
	p = filepath.Clean(p)
	for _, m := range r.mappings {
		if p == m.From {
			return m.To
		}
		if strings.HasPrefix(p, m.From+string(filepath.Separator)) {
			return filepath.Join(m.To, p[len(m.From)+1:])
		}
	}
	return p
}

// ResolveRead resolves p for reading. It fails with ErrPathTraversal when
// the canonical path leaves every read root and with ErrPathNotFound when
// nothing exists there.
func (r *Resolver) ResolveRead(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	p = r.Rewrite(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.root, p)
	}

	canonical, exists := canonicalize(p)
	if !r.readable(canonical) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, p)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}
	return canonical, nil
}

// ResolveWrite resolves p for writing. Only the base name of p is kept and
// the result always lies directly inside the output directory.
func (r *Resolver) ResolveWrite(p string) (string, error) {
	name := filepath.Base(filepath.Clean(strings.TrimSpace(p)))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q has no file name", ErrWriteNotAllowed, p)
	}
	if r.Reserved(name) {
		return "", fmt.Errorf("%w: %s is a pipeline artifact", ErrWriteNotAllowed, name)
	}
	target := filepath.Join(r.outputDir, name)
	if !within(r.outputDir, target) {
		return "", fmt.Errorf("%w: %s", ErrWriteNotAllowed, p)
	}

	info, err := os.Lstat(target)
	if err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrWriteNotAllowed, target)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			real, err := filepath.EvalSymlinks(target)
			if err != nil || !within(r.outputDir, real) {
				return "", fmt.Errorf("%w: %s links outside the output directory", ErrWriteNotAllowed, target)
			}
		}
	}
	return target, nil
}

// Reserve marks output file names that tools may never write. The backup
// and temp files derived from a reserved name are reserved too.
func (r *Resolver) Reserve(names ...string) {
	if r.reserved == nil {
		r.reserved = make(map[string]bool, len(names))
	}
	for _, n := range names {
		if n = filepath.Base(n); n != "" && n != "." {
			r.reserved[n] = true
		}
	}
}

// Reserved reports whether name (a base name) is a reserved output file or
// one of its backup or temp siblings.
func (r *Resolver) Reserved(name string) bool {
	name = filepath.Base(name)
	for n := range r.reserved {
		switch {
		case name == n,
			strings.HasPrefix(name, n+".backup_"),
			strings.HasPrefix(name, "."+n+".") && strings.HasSuffix(name, ".tmp"):
			return true
		}
	}
	return false
}

// InOutputDir reports whether p resolves to a location inside the output
// directory.
func (r *Resolver) InOutputDir(p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.outputDir, p)
	}
	canonical, _ := canonicalize(p)
	return within(r.outputDir, canonical)
}

// Rel renders a canonical path relative to the codebase root when it lies
// inside it.
func (r *Resolver) Rel(p string) string {
	if rel, err := filepath.Rel(r.root, p); err == nil && within(r.root, p) {
		return filepath.ToSlash(rel)
	}
	return p
}

func (r *Resolver) readable(p string) bool {
	for _, root := range r.readRoots {
		if within(root, p) {
			return true
		}
	}
	return false
}

// canonicalRoot makes a root absolute and resolves symlinks in the part
// that already exists.
func canonicalRoot(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	c, _ := canonicalize(abs)
	return c, nil
}

// canonicalize resolves symlinks in an absolute, clean path. When the path
// does not exist, the longest existing prefix is resolved and the missing
// tail appended.
func canonicalize(p string) (string, bool) {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real, true
	}
	var tail []string
	dir := p
	for {
		parent := filepath.Dir(dir)
		tail = append([]string{filepath.Base(dir)}, tail...)
		if parent == dir {
			return p, false
		}
		if real, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), false
		}
		dir = parent
	}
}

// within reports whether p is root or a descendant of it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
