// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tailer is the agent's log tailer: a lazy,
// potentially-infinite sequence of parsed access-log entries that
// survives rotation, truncation, and temporary file absence.
package tailer

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/protocol"
)

// identity is the (device, inode) pair that tells a rotated file apart
// from the one the tailer currently has open, without relying on the
// path alone.
type identity struct {
	dev uint64
	ino uint64
}

func statIdentity(path string) (identity, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return identity{}, 0, err
	}
	return identity{dev: uint64(st.Dev), ino: uint64(st.Ino)}, st.Size, nil
}

// Metrics are the Prometheus-shaped counters the tailer maintains; the
// agent wires them to a prometheus.Registry in cmd/devicewall-agent.
type Metrics interface {
	IncParsed()
	IncParseMiss()
	IncRotation()
}

// noopMetrics discards everything; used when the agent runs without a
// metrics registry (e.g. in tests).
type noopMetrics struct{}

func (noopMetrics) IncParsed()    {}
func (noopMetrics) IncParseMiss() {}
func (noopMetrics) IncRotation()  {}

// Tailer follows one access log file per the contract.
type Tailer struct {
	path         string
	pollInterval time.Duration
	offsetStore  *OffsetStore
	logger       *logging.Logger
	metrics      Metrics

	file      *os.File
	id        identity
	reader    *bufio.Reader
	offset    int64
	coldStart bool
}

// New builds a Tailer for path. offsetStore may be nil, in which case
// the tailer always starts at end-of-file on a cold start.
func New(path string, pollInterval time.Duration, offsetStore *OffsetStore, logger *logging.Logger, metrics Metrics) *Tailer {
	if pollInterval <= 0 || pollInterval > 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Default().WithComponent("tailer")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Tailer{path: path, pollInterval: pollInterval, offsetStore: offsetStore, logger: logger, metrics: metrics, coldStart: true}
}

// Run follows the file until ctx is cancelled, calling emit for every
// line that parses as a LogEntry. It never
// returns except on context cancellation: missing files, rotations, and
// truncations are all handled internally rather than surfaced as errors.
func (t *Tailer) Run(ctx context.Context, emit func(protocol.LogEntry)) error {
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if t.file == nil {
			if err := t.open(); err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					continue
				}
			}
		}

		advanced, err := t.drain(emit)
		if err != nil {
			t.logger.Warn("tailer read error, will reopen", "path", t.path, "error", err)
			t.closeFile()
			continue
		}
		if advanced {
			// More bytes may already be waiting; check again immediately
			// instead of sleeping, so fresh connections reach the upload
			// pipeline within the 1s latency target.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if rotated, err := t.checkRotation(); err != nil {
			t.logger.Debug("tailer stat failed, file may be absent", "path", t.path, "error", err)
			t.closeFile()
		} else if rotated {
			t.metrics.IncRotation()
			t.logger.Info("log rotation detected", "path", t.path)
			t.closeFile()
		}
	}
}

func (t *Tailer) open() error {
	id, size, err := statIdentity(t.path)
	if err != nil {
		if t.coldStart && os.IsNotExist(err) {
			// The log doesn't exist yet: whatever appears later is
			// fresh traffic, not backlog to skip.
			t.coldStart = false
		}
		return err
	}
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}

	// Reopens after a rotation (or a read error) read the replacement
	// file from its beginning; only the very first open of the process
	// skips history the previous run already shipped.
	var offset int64
	if t.coldStart {
		offset = size
		if t.offsetStore != nil {
			if saved, ok := t.offsetStore.Load(); ok && saved.Dev == id.dev && saved.Ino == id.ino && saved.Position <= size {
				offset = saved.Position
			}
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	t.file = f
	t.id = id
	t.offset = offset
	t.reader = bufio.NewReader(f)
	t.coldStart = false
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
	}
	t.file = nil
	t.reader = nil
}

// checkRotation compares the path's current on-disk identity against
// the one we have open. A changed identity means the file was replaced
// (log rotation); a vanished path means temporary absence.
func (t *Tailer) checkRotation() (bool, error) {
	id, _, err := statIdentity(t.path)
	if err != nil {
		return false, err
	}
	return id != t.id, nil
}

// drain reads every complete line currently available without blocking
// past EOF, emitting parsed entries and persisting the offset. It also
// detects truncation (current offset beyond the file's size).
func (t *Tailer) drain(emit func(protocol.LogEntry)) (advanced bool, err error) {
	if size, serr := t.file.Stat(); serr == nil {
		if size.Size() < t.offset {
			t.logger.Info("log truncation detected, resetting offset", "path", t.path)
			if _, err := t.file.Seek(0, io.SeekStart); err != nil {
				return false, err
			}
			t.offset = 0
			t.reader.Reset(t.file)
		}
	}

	for {
		line, rerr := t.reader.ReadBytes('\n')
		if len(line) > 0 && rerr == nil {
			t.offset += int64(len(line))
			advanced = true
			t.handleLine(line, emit)
			continue
		}
		if rerr == io.EOF {
			// A partial, not-yet-terminated line: leave it in the
			// reader's buffer for the next poll instead of discarding
			// the bytes already consumed from it.
			if len(line) > 0 {
				t.reader = bufio.NewReader(io.MultiReader(bytes.NewReader(line), t.file))
			}
			break
		}
		if rerr != nil {
			return advanced, rerr
		}
	}

	if advanced && t.offsetStore != nil {
		if err := t.offsetStore.Save(Offset{Dev: t.id.dev, Ino: t.id.ino, Position: t.offset}); err != nil {
			t.logger.Warn("failed to persist tailer offset", "path", t.path, "error", err)
		}
	}
	return advanced, nil
}

func (t *Tailer) handleLine(line []byte, emit func(protocol.LogEntry)) {
	entry, ok := protocol.ParseAccessLogLine(string(bytes.TrimRight(line, "\r\n")))
	if !ok {
		t.metrics.IncParseMiss()
		return
	}
	t.metrics.IncParsed()
	emit(entry)
}
