// Package blobstore is the data-node side chunk store: one file per chunk,
// byte-addressable reads for the fragment protocol, and optional post-seal
// seekable-zstd compression that preserves random access by uncompressed
// offset. Queue-size counters feed probe responses so readers can pick the
// least-loaded peer.
package blobstore

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"

	"grove/internal/ids"
	"grove/internal/logging"
)

// seekableFrameSize is the uncompressed frame size for compressed chunks.
// Each frame decompresses independently, so a fragment read touches only
// the frames covering its byte range.
const seekableFrameSize = 256 << 10

const (
	chunkFileSuffix      = ".chunk"
	compressedFileSuffix = ".chunk.zst"
	lockFileName         = ".lock"
)

var (
	ErrNoSuchChunk     = errors.New("no such chunk in store")
	ErrStoreLocked     = errors.New("store directory is locked by another process")
	ErrOutOfRange      = errors.New("fragment out of range")
	ErrAlreadyPresent  = errors.New("chunk already in store")
)

// Config configures a Store.
type Config struct {
	Dir      string
	FileMode os.FileMode
	Logger   *slog.Logger
}

// Store holds chunk files under one directory, exclusively flocked.
type Store struct {
	cfg      Config
	lockFile *os.File
	logger   *slog.Logger

	mu sync.Mutex // serializes Put/Compress/Delete per store

	netQueue  atomic.Int64
	diskQueue atomic.Int64

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// Open acquires the store directory.
func Open(cfg Config) (*Store, error) {
	cfg.FileMode = cmp.Or(cfg.FileMode, os.FileMode(0o644))
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Dir, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, cfg.Dir)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{
		cfg:      cfg,
		lockFile: lockFile,
		logger:   logging.Default(cfg.Logger).With("component", "blob-store"),
		zstdEnc:  enc,
		zstdDec:  dec,
	}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	s.zstdEnc.Close()
	s.zstdDec.Close()
	return s.lockFile.Close()
}

func (s *Store) plainPath(chunkID ids.ID) string {
	return filepath.Join(s.cfg.Dir, chunkID.String()+chunkFileSuffix)
}

func (s *Store) compressedPath(chunkID ids.ID) string {
	return filepath.Join(s.cfg.Dir, chunkID.String()+compressedFileSuffix)
}

// Put stores a chunk's bytes via temp-file + atomic rename.
func (s *Store) Put(chunkID ids.ID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLocked(chunkID) {
		return fmt.Errorf("%w: %v", ErrAlreadyPresent, chunkID)
	}
	tmp, err := os.CreateTemp(s.cfg.Dir, ".put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if err := tmp.Chmod(s.cfg.FileMode); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.plainPath(chunkID))
}

// Has reports whether the chunk is present, compressed or not.
func (s *Store) Has(chunkID ids.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocked(chunkID)
}

func (s *Store) hasLocked(chunkID ids.ID) bool {
	if _, err := os.Stat(s.plainPath(chunkID)); err == nil {
		return true
	}
	if _, err := os.Stat(s.compressedPath(chunkID)); err == nil {
		return true
	}
	return false
}

// Pread reads length bytes at offset of a chunk's uncompressed content.
// Compressed chunks decompress only the frames covering the range.
func (s *Store) Pread(chunkID ids.ID, offset, length int64) ([]byte, error) {
	s.diskQueue.Add(1)
	defer s.diskQueue.Add(-1)

	if f, err := os.Open(s.plainPath(chunkID)); err == nil {
		defer f.Close()
		buf := make([]byte, length)
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("pread chunk %v: %w", chunkID, err)
		}
		if int64(n) < length {
			return nil, fmt.Errorf("%w: %v [%d, %d)", ErrOutOfRange, chunkID, offset, offset+length)
		}
		return buf, nil
	}

	f, err := os.Open(s.compressedPath(chunkID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchChunk, chunkID)
	}
	defer f.Close()

	reader, err := seekable.NewReader(f, s.zstdDec)
	if err != nil {
		return nil, fmt.Errorf("open seekable chunk %v: %w", chunkID, err)
	}
	defer reader.Close()

	buf := make([]byte, length)
	n, err := reader.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pread compressed chunk %v: %w", chunkID, err)
	}
	if int64(n) < length {
		return nil, fmt.Errorf("%w: %v [%d, %d)", ErrOutOfRange, chunkID, offset, offset+length)
	}
	return buf, nil
}

// Compress rewrites a sealed chunk into seekable zstd frames and removes
// the plain file. A no-op if the chunk is already compressed.
func (s *Store) Compress(chunkID ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plainPath := s.plainPath(chunkID)
	data, err := os.ReadFile(plainPath)
	if err != nil {
		if os.IsNotExist(err) {
			if _, err := os.Stat(s.compressedPath(chunkID)); err == nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrNoSuchChunk, chunkID)
		}
		return err
	}

	tmp, err := os.CreateTemp(s.cfg.Dir, ".compress-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	sw, err := seekable.NewWriter(tmp, s.zstdEnc)
	if err != nil {
		cleanup()
		return err
	}
	for off := 0; off < len(data); off += seekableFrameSize {
		end := off + seekableFrameSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := sw.Write(data[off:end]); err != nil {
			cleanup()
			return err
		}
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(s.cfg.FileMode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.compressedPath(chunkID)); err != nil {
		return err
	}
	if err := os.Remove(plainPath); err != nil {
		return err
	}
	s.logger.Info("chunk compressed", "chunk", chunkID.String(),
		"raw_bytes", len(data))
	return nil
}

// Delete removes a chunk's files.
func (s *Store) Delete(chunkID ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLocked(chunkID) {
		return fmt.Errorf("%w: %v", ErrNoSuchChunk, chunkID)
	}
	_ = os.Remove(s.plainPath(chunkID))
	_ = os.Remove(s.compressedPath(chunkID))
	return nil
}

// QueueSizes reports the current network and disk queue gauges for probe
// responses.
func (s *Store) QueueSizes() (net, disk int64) {
	return s.netQueue.Load(), s.diskQueue.Load()
}

// NoteRequest tracks an in-flight network request; the returned func ends
// it.
func (s *Store) NoteRequest() func() {
	s.netQueue.Add(1)
	return func() { s.netQueue.Add(-1) }
}
