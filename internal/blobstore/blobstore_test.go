package blobstore

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"grove/internal/ids"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutPreadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	chunkID := ids.New(ids.TypeChunk)
	data := make([]byte, 100000)
	rand.New(rand.NewSource(1)).Read(data)

	if err := s.Put(chunkID, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Has(chunkID) {
		t.Fatal("chunk missing after put")
	}
	got, err := s.Pread(chunkID, 5000, 1234)
	if err != nil {
		t.Fatalf("pread: %v", err)
	}
	if !bytes.Equal(got, data[5000:6234]) {
		t.Fatal("pread bytes differ")
	}
	if err := s.Put(chunkID, data); !errors.Is(err, ErrAlreadyPresent) {
		t.Fatalf("double put: %v", err)
	}
}

func TestPreadAfterCompressIsIdentical(t *testing.T) {
	s := openTestStore(t)
	chunkID := ids.New(ids.TypeChunk)
	data := make([]byte, 3*seekableFrameSize+777)
	rand.New(rand.NewSource(2)).Read(data)

	if err := s.Put(chunkID, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	before, err := s.Pread(chunkID, int64(seekableFrameSize)-100, 300)
	if err != nil {
		t.Fatalf("pread before compress: %v", err)
	}

	if err := s.Compress(chunkID); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !s.Has(chunkID) {
		t.Fatal("chunk missing after compress")
	}
	// A read spanning a frame boundary returns the same bytes.
	after, err := s.Pread(chunkID, int64(seekableFrameSize)-100, 300)
	if err != nil {
		t.Fatalf("pread after compress: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("compressed pread differs")
	}
	// Compressing again is a no-op.
	if err := s.Compress(chunkID); err != nil {
		t.Fatalf("recompress: %v", err)
	}
}

func TestPreadOutOfRange(t *testing.T) {
	s := openTestStore(t)
	chunkID := ids.New(ids.TypeChunk)
	if err := s.Put(chunkID, []byte("short")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Pread(chunkID, 3, 10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("out of range read: %v", err)
	}
}

func TestPreadMissingChunk(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Pread(ids.New(ids.TypeChunk), 0, 1); !errors.Is(err, ErrNoSuchChunk) {
		t.Fatalf("missing chunk: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	chunkID := ids.New(ids.TypeChunk)
	if err := s.Put(chunkID, []byte("data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(chunkID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Has(chunkID) {
		t.Fatal("chunk survived delete")
	}
}

func TestSecondOpenFailsOnLock(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := Open(Config{Dir: dir}); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("second open: %v", err)
	}
}
