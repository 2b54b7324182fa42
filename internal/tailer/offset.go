// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tailer

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"grimm.is/devicewall/internal/errors"
)

// Offset is the tailer's persisted file-identity and byte position
// , written after every batch of lines drained so a restart can
// resume without re-sending already-forwarded entries.
type Offset struct {
	Dev      uint64 `yaml:"dev"`
	Ino      uint64 `yaml:"ino"`
	Position int64  `yaml:"position"`
}

// OffsetStore persists Offset to a small YAML file. A missing or
// unreadable file is never fatal: the tailer simply resumes at
// end-of-file.
type OffsetStore struct {
	path string

	mu   sync.Mutex
	last Offset
	have bool
}

// NewOffsetStore builds an OffsetStore backed by path. An empty path
// disables persistence entirely (Load always misses, Save is a no-op).
func NewOffsetStore(path string) *OffsetStore {
	return &OffsetStore{path: path}
}

// Load reads the persisted offset, if any.
func (s *OffsetStore) Load() (Offset, bool) {
	if s.path == "" {
		return Offset{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have {
		return s.last, true
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Offset{}, false
	}
	var o Offset
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Offset{}, false
	}
	s.last, s.have = o, true
	return o, true
}

// Save writes o to disk, overwriting any previous value. Failures are
// swallowed by the caller's logger, not returned as fatal: offset
// persistence is a best-effort restart optimization, not a correctness
// requirement.
func (s *OffsetStore) Save(o Offset) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	s.last, s.have = o, true
	s.mu.Unlock()

	data, err := yaml.Marshal(o)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "tailer: marshal offset")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return errors.Wrap(err, errors.KindInternal, "tailer: write offset file")
	}
	return nil
}
