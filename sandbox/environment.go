package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/martinemde/fixflow/errortrace"
	"github.com/martinemde/fixflow/internal/fsutil"
)

// DefaultMaxFileSize is the read limit in bytes.
const DefaultMaxFileSize int64 = 1_000_000

// DefaultReadExtensions is the read allowlist.
var DefaultReadExtensions = []string{
	".py", ".txt", ".json", ".md", ".html", ".yml", ".yaml", ".ini", ".cfg", ".toml", ".log",
}

const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin-1"
)

// Config configures an Environment.
type Config struct {
	CodebaseRoot      string
	OutputDir         string
	Mappings          []PrefixMapping
	ExtraReadRoots    []string
	MaxFileSize       int64
	ReadExtensions    []string
	AllowAnyExtension bool
	ReservedNames     []string // output file names tools may not write
}

// FileContent is the result of a read.
type FileContent struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Encoding   string `json:"encoding"`
	Size       int64  `json:"size"`
	TotalLines int    `json:"total_lines"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
}

// WriteResult is the result of a write.
type WriteResult struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Lines  int    `json:"lines"`
	Backup string `json:"backup,omitempty"` // previous content, when the target already existed
}

// EntryKind distinguishes files from directories in a listing.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
	Size int64     `json:"size,omitempty"`
}

// Environment performs the sandboxed filesystem operations. All paths go
// through the Resolver first.
type Environment struct {
	resolver    *Resolver
	maxFileSize int64
	extensions  map[string]bool
	readScope   map[string]bool
	writes      *writeLog
}

// writeLog records successful write targets in order. Scoped copies of an
// Environment share it.
type writeLog struct {
	mu    sync.Mutex
	paths []string
}

// NewEnvironment creates the output directory and the resolver.
func NewEnvironment(cfg Config) (*Environment, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("sandbox: output dir is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create output dir: %w", err)
	}
	resolver, err := NewResolver(cfg.CodebaseRoot, cfg.OutputDir, cfg.Mappings, cfg.ExtraReadRoots...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	resolver.Reserve(cfg.ReservedNames...)

	env := &Environment{resolver: resolver, maxFileSize: cfg.MaxFileSize, writes: &writeLog{}}
	if env.maxFileSize <= 0 {
		env.maxFileSize = DefaultMaxFileSize
	}
	if !cfg.AllowAnyExtension {
		exts := cfg.ReadExtensions
		if len(exts) == 0 {
			exts = DefaultReadExtensions
		}
		env.extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" && !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			env.extensions[e] = true
		}
	}
	return env, nil
}

// Resolver returns the path resolver.
func (e *Environment) Resolver() *Resolver { return e.resolver }

// MaxFileSize returns the read limit in bytes.
func (e *Environment) MaxFileSize() int64 { return e.maxFileSize }

// WithReadScope returns a copy that can only read the given files. The
// paths are resolved now, so they must exist.
func (e *Environment) WithReadScope(paths ...string) (*Environment, error) {
	scope := make(map[string]bool, len(paths))
	for _, p := range paths {
		resolved, err := e.resolver.ResolveRead(p)
		if err != nil {
			return nil, err
		}
		scope[resolved] = true
	}
	cp := *e
	cp.readScope = scope
	return &cp, nil
}

// ReadFile reads a whole file, or the 1-based inclusive line range
// [startLine, endLine] when either bound is non-zero. Oversized files are
// rejected, never truncated.
func (e *Environment) ReadFile(path string, startLine, endLine int) (*FileContent, error) {
	resolved, err := e.resolveFile(path)
	if err != nil {
		return nil, err
	}
	if e.readScope != nil && !e.readScope[resolved] {
		return nil, fmt.Errorf("%w: %s", ErrReadNotAllowed, e.resolver.Rel(resolved))
	}
	if e.extensions != nil && !e.extensions[strings.ToLower(filepath.Ext(resolved))] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Base(resolved))
	}

	data, size, err := e.readBounded(resolved)
	if err != nil {
		return nil, err
	}
	text, encoding, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, e.resolver.Rel(resolved))
	}

	lines := splitLines(text)
	total := len(lines)
	fc := &FileContent{
		Path:       resolved,
		Encoding:   encoding,
		Size:       size,
		TotalLines: total,
		StartLine:  1,
		EndLine:    total,
		Content:    text,
	}
	if startLine == 0 && endLine == 0 {
		return fc, nil
	}

	if startLine == 0 {
		startLine = 1
	}
	if endLine == 0 || endLine > total {
		endLine = total
	}
	if startLine < 1 || startLine > total || endLine < startLine {
		return nil, fmt.Errorf("%w: lines %d-%d of %d", ErrInvalidRange, startLine, endLine, total)
	}
	fc.StartLine, fc.EndLine = startLine, endLine
	fc.Content = strings.Join(lines[startLine-1:endLine], "\n")
	return fc, nil
}

// WriteFile writes content to the output directory under the base name of
// path. The write is atomic: a cancelled or failed write leaves no partial
// file behind.
func (e *Environment) WriteFile(ctx context.Context, path, content string) (*WriteResult, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	target, err := e.resolver.ResolveWrite(path)
	if err != nil {
		return nil, err
	}

	var backup string
	if info, err := os.Lstat(target); err == nil && info.Mode().IsRegular() {
		backup = fmt.Sprintf("%s.backup_%d", target, time.Now().Unix())
		if err := os.Rename(target, backup); err != nil {
			return nil, fmt.Errorf("back up %s: %w", filepath.Base(target), err)
		}
	}
	if err := fsutil.WriteFileAtomicContext(ctx, target, []byte(content), 0o644); err != nil {
		if backup != "" {
			_ = os.Rename(backup, target)
		}
		return nil, fmt.Errorf("write %s: %w", filepath.Base(target), err)
	}
	e.writes.mu.Lock()
	e.writes.paths = append(e.writes.paths, target)
	e.writes.mu.Unlock()
	return &WriteResult{
		Path:   target,
		Bytes:  len(content),
		Lines:  strings.Count(content, "\n") + 1,
		Backup: backup,
	}, nil
}

// WriteCount returns the number of successful writes so far. Pass it to
// WrittenSince to ask about later writes.
func (e *Environment) WriteCount() int {
	e.writes.mu.Lock()
	defer e.writes.mu.Unlock()
	return len(e.writes.paths)
}

// WrittenSince reports whether target (a path from ResolveWrite) was written
// after the first mark writes.
func (e *Environment) WrittenSince(mark int, target string) bool {
	e.writes.mu.Lock()
	defer e.writes.mu.Unlock()
	if mark < 0 {
		mark = 0
	}
	for _, p := range e.writes.paths[min(mark, len(e.writes.paths)):] {
		if p == target {
			return true
		}
	}
	return false
}

// ListDirectory lists the immediate entries of a directory sorted by name.
// Hidden entries are skipped.
func (e *Environment) ListDirectory(path string) ([]DirEntry, error) {
	if strings.TrimSpace(path) == "" {
		path = "."
	}
	resolved, err := e.resolver.ResolveRead(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, e.resolver.Rel(resolved))
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", e.resolver.Rel(resolved), err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		entry := DirEntry{Name: de.Name(), Kind: KindFile}
		if de.IsDir() {
			entry.Kind = KindDirectory
		} else if fi, err := de.Info(); err == nil {
			entry.Size = fi.Size()
		}
		out = append(out, entry)
	}
	return out, nil
}

// ParseErrorTrace parses inline trace JSON or the trace file at a path.
func (e *Environment) ParseErrorTrace(pathOrContent string) (*errortrace.Trace, error) {
	trimmed := strings.TrimSpace(pathOrContent)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty trace input", ErrInvalidArgument)
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return errortrace.Parse([]byte(trimmed))
	}

	resolved, err := e.resolveFile(trimmed)
	if err != nil {
		return nil, err
	}
	data, _, err := e.readBounded(resolved)
	if err != nil {
		return nil, err
	}
	return errortrace.Parse(data)
}

func (e *Environment) resolveFile(path string) (string, error) {
	resolved, err := e.resolver.ResolveRead(path)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, e.resolver.Rel(resolved))
	}
	return resolved, nil
}

func (e *Environment) readBounded(resolved string) ([]byte, int64, error) {
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrFileNotFound, e.resolver.Rel(resolved))
	}
	if info.Size() > e.maxFileSize {
		return nil, info.Size(), fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, e.resolver.Rel(resolved), info.Size(), e.maxFileSize)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", e.resolver.Rel(resolved), err)
	}
	// The file may have grown since the stat.
	if int64(len(data)) > e.maxFileSize {
		return nil, int64(len(data)), fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, e.resolver.Rel(resolved), len(data), e.maxFileSize)
	}
	return data, int64(len(data)), nil
}

// decode returns the text and the encoding used: UTF-8 when valid, else
// ISO-8859-1.
func decode(data []byte) (string, string, error) {
	if utf8.Valid(data) {
		return string(data), EncodingUTF8, nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return string(out), EncodingLatin1, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
