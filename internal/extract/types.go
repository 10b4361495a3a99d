// Package extract provides the domain model for vendor extract ingestion:
// file descriptors, lineage, per-extract handlers and the handler registry.
//
// The package defines what the loaders need without depending on concrete
// storage implementations. PostgreSQL-backed stores live in internal/storage.
package extract

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Sentinel errors for file descriptor validation.
var (
	ErrNilFile            = errors.New("file descriptor cannot be nil")
	ErrMissingKey         = errors.New("file key is required")
	ErrMissingExtractType = errors.New("file extractType is required")
	ErrMissingContentHash = errors.New("file contentHash is required")
)

type (
	// FileDescriptor identifies a source artifact in object storage.
	//
	// Descriptors are produced by the file discovery collaborator (out of
	// scope here) and consumed by the raw loader. The core treats them as
	// opaque apart from the fields below.
	FileDescriptor struct {
		// Bucket is the object storage bucket holding the extract file.
		Bucket string

		// Key is the object key (path) within the bucket.
		Key string

		// VersionID is the object storage version identifier, empty when
		// versioning is disabled on the bucket.
		VersionID string

		// ContentHash is the hex-encoded BLAKE2b-256 digest of the file
		// contents. Together with (bucket, key, versionId) it keys the
		// idempotency ledger.
		ContentHash string

		// ExtractedDate is the business date the vendor produced the extract.
		ExtractedDate time.Time

		// ExtractType names the logical dataset (patients, appointments, ...)
		// and selects the handler in the registry.
		ExtractType string

		// Size is the object size in bytes, used for throughput reporting.
		Size int64

		// LastModified is the object storage modification timestamp.
		LastModified time.Time
	}

	// Lineage is the tuple stamped onto every raw row via the file ledger.
	// Immutable once written.
	Lineage struct {
		Bucket        string
		Key           string
		VersionID     string
		ContentHash   string
		ExtractedDate time.Time
		ExtractType   string
		LoadRunID     string
		LoadTS        time.Time
	}
)

// Validate performs defensive validation of a file descriptor before loading.
// This prevents malformed descriptors from reaching the storage layer.
func (f *FileDescriptor) Validate() error {
	if f == nil {
		return ErrNilFile
	}

	if f.Key == "" {
		return ErrMissingKey
	}

	if f.ExtractType == "" {
		return ErrMissingExtractType
	}

	if f.ContentHash == "" {
		return ErrMissingContentHash
	}

	return nil
}

// IdempotencyKey returns the ledger key for this file.
//
// The key is (bucket, key, versionId, contentHash) joined with a NUL byte so
// that no component can collide with a neighbouring component's suffix.
func (f *FileDescriptor) IdempotencyKey() string {
	return f.Bucket + "\x00" + f.Key + "\x00" + f.VersionID + "\x00" + f.ContentHash
}

// NewLineage builds the lineage tuple for a file under a given load run.
// LoadTS is stamped once here so every row of the file carries the same value.
func NewLineage(file *FileDescriptor, loadRunID string) Lineage {
	return Lineage{
		Bucket:        file.Bucket,
		Key:           file.Key,
		VersionID:     file.VersionID,
		ContentHash:   file.ContentHash,
		ExtractedDate: file.ExtractedDate,
		ExtractType:   file.ExtractType,
		LoadRunID:     loadRunID,
		LoadTS:        time.Now().UTC(),
	}
}

// HashContent computes the hex-encoded BLAKE2b-256 digest of a byte stream.
//
// Used by discovery tooling and tests to populate FileDescriptor.ContentHash.
// BLAKE2b is preferred over SHA-256 here for throughput on multi-gigabyte
// extract files.
func HashContent(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialise hash: %w", err)
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
