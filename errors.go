package apkresign

import "errors"

// Sentinel errors for locate and sign operations.
var (
	// ErrSignatureNotFound is returned when an index contains no .SIGN. entry.
	ErrSignatureNotFound = errors.New("apkresign: no signature entry found")

	// ErrIndexEntryNotFound is returned when an image contains no
	// APKINDEX.tar.gz entry for the requested architecture.
	ErrIndexEntryNotFound = errors.New("apkresign: index entry not found")

	// ErrFormat is returned when a source is not valid gzip or tar.
	ErrFormat = errors.New("apkresign: invalid archive format")

	// ErrNoFilename is returned when no signature filename can be derived
	// from a path.
	ErrNoFilename = errors.New("apkresign: cannot derive signature filename")

	// ErrPipeline is returned when a stage of the signing pipeline fails.
	// The message names the failing stage.
	ErrPipeline = errors.New("apkresign: pipeline stage failed")
)
