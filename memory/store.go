// Package memory implements the shared memory document that pipeline
// stages communicate through. Each section is a slot filled exactly once
// per run, and the whole document is rewritten to disk after every write.
package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/martinemde/fixflow/internal/fsutil"
)

// Section names one slot of the shared memory document.
type Section string

const (
	SectionRCA           Section = "rca"
	SectionFixPlan       Section = "fix_plan"
	SectionPatchMetadata Section = "patch_metadata"
)

// Sections lists every section in pipeline order.
var Sections = []Section{SectionRCA, SectionFixPlan, SectionPatchMetadata}

// DocumentVersion is written into the metadata block.
const DocumentVersion = "1.0"

// ErrUnknownSection is returned for section names outside Sections.
var ErrUnknownSection = errors.New("unknown section")

// SectionAlreadySetError is returned when a section is written twice.
type SectionAlreadySetError struct {
	Section Section
}

func (e *SectionAlreadySetError) Error() string {
	return fmt.Sprintf("section %q already set", e.Section)
}

// Metadata is bookkeeping stored alongside the sections.
type Metadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	Version     string    `json:"version"`
}

// Document is the persisted form of the store. Unset sections are null.
type Document struct {
	RCA           json.RawMessage `json:"rca"`
	FixPlan       json.RawMessage `json:"fix_plan"`
	PatchMetadata json.RawMessage `json:"patch_metadata"`
	Metadata      Metadata        `json:"metadata"`
}

// Store is the single shared memory document of a run.
type Store struct {
	path     string
	sections map[Section]json.RawMessage
	meta     Metadata
	now      func() time.Time
	mu       sync.Mutex
}

// Open creates an empty store persisted at path and writes it immediately.
// An empty path keeps the store in memory only.
func Open(path string) (*Store, error) {
	s := newStore(path)
	now := s.now().UTC()
	s.meta = Metadata{CreatedAt: now, LastUpdated: now, Version: DocumentVersion}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reopens a persisted store, keeping the sections already set. Later
// writes go back to the same path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("memory: parse: %w", err)
	}
	s := newStore(path)
	s.meta = doc.Metadata
	if s.meta.Version == "" {
		s.meta.Version = DocumentVersion
	}
	for _, sec := range Sections {
		raw := doc.section(sec)
		if !isSet(raw) {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("memory: section %s: %w", sec, err)
		}
		s.sections[sec] = json.RawMessage(buf.Bytes())
	}
	return s, nil
}

func newStore(path string) *Store {
	return &Store{
		path:     path,
		sections: make(map[Section]json.RawMessage),
		now:      time.Now,
	}
}

// Path returns where the store is persisted.
func (s *Store) Path() string { return s.path }

// Get returns the raw JSON of a section. The boolean is false when the
// section has not been set; no default value is ever substituted.
func (s *Store) Get(section Section) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.sections[section]
	if !ok {
		return nil, false
	}
	return clone(raw), true
}

// Decode unmarshals a section into v. It reports false, with no error, when
// the section is absent.
func (s *Store) Decode(section Section, v any) (bool, error) {
	raw, ok := s.Get(section)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("memory: decode %s: %w", section, err)
	}
	return true, nil
}

// Set fills a section. The value must marshal to a JSON object. A second
// Set for the same section fails with *SectionAlreadySetError, including
// when callers race. The full document is persisted before Set returns.
func (s *Store) Set(section Section, value any) error {
	if !known(section) {
		return fmt.Errorf("memory: %w: %q", ErrUnknownSection, section)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: marshal %s: %w", section, err)
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("memory: section %s must be a JSON object", section)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sections[section]; exists {
		return &SectionAlreadySetError{Section: section}
	}
	s.sections[section] = raw
	s.meta.LastUpdated = s.now().UTC()
	return s.persistLocked()
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentLocked()
}

// Flush rewrites the document to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) documentLocked() Document {
	return Document{
		RCA:           clone(s.sections[SectionRCA]),
		FixPlan:       clone(s.sections[SectionFixPlan]),
		PatchMetadata: clone(s.sections[SectionPatchMetadata]),
		Metadata:      s.meta,
	}
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.documentLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal document: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("memory: persist: %w", err)
	}
	return nil
}

// Has reports whether a section is set in the document.
func (d Document) Has(section Section) bool {
	return isSet(d.section(section))
}

func (d Document) section(section Section) json.RawMessage {
	switch section {
	case SectionRCA:
		return d.RCA
	case SectionFixPlan:
		return d.FixPlan
	case SectionPatchMetadata:
		return d.PatchMetadata
	}
	return nil
}

func known(section Section) bool {
	for _, s := range Sections {
		if s == section {
			return true
		}
	}
	return false
}

func isSet(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
