package apkresign

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// LocateOption configures a Locate operation.
type LocateOption func(*locateConfig)

// locateConfig holds configuration for the Locate operation.
type locateConfig struct {
	logger    *slog.Logger
	plainHTTP bool
}

// LocateWithLogger sets the logger for locate operations.
func LocateWithLogger(logger *slog.Logger) LocateOption {
	return func(cfg *locateConfig) {
		cfg.logger = logger
	}
}

// LocateWithPlainHTTP uses plain HTTP for registry sources. Intended for
// local test registries.
func LocateWithPlainHTTP(plain bool) LocateOption {
	return func(cfg *locateConfig) {
		cfg.plainHTTP = plain
	}
}

// Locate resolves a Source into the signature it carries.
//
// All source kinds converge to the same (name, bytes) shape so the
// signer never needs to know where a signature came from.
func Locate(ctx context.Context, src Source, opts ...LocateOption) (*Signature, error) {
	cfg := locateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &locator{cfg: cfg}

	switch src.Kind {
	case SourceImage:
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("open image: %w", err)
		}
		defer f.Close()
		return l.locateInImage(ctx, f, src.Path, src.Arch)
	case SourceIndex:
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		defer f.Close()
		return l.locateInIndex(ctx, f)
	case SourceFile:
		return l.locateFile(src.Path)
	case SourceRegistry:
		return l.locateInRegistry(ctx, src.Ref, src.Arch)
	default:
		return nil, fmt.Errorf("unknown source kind %d", src.Kind)
	}
}

// locator holds state for a single Locate run.
type locator struct {
	cfg locateConfig
}

// log returns the logger, falling back to a discard logger if nil.
func (l *locator) log() *slog.Logger {
	if l.cfg.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.cfg.logger
}

// locateInImage streams the tar entries of a gzip-compressed image
// archive looking for ./apks/<arch>/APKINDEX.tar.gz, then scans that
// nested index for its signature. Entry names are compared as exact
// strings; no path canonicalization is applied.
func (l *locator) locateInImage(ctx context.Context, r io.Reader, name, arch string) (*Signature, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s as gzip: %v", ErrFormat, name, err)
	}
	defer zr.Close()

	needle := "./apks/" + arch + "/APKINDEX.tar.gz"
	l.log().Info("searching for index in image", "image", name, "entry", needle)

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s as tar: %v", ErrFormat, name, err)
		}

		l.log().Debug("reading image entry", "name", hdr.Name)
		if hdr.Name == needle {
			l.log().Info("found index", "entry", hdr.Name)
			return l.locateInIndex(ctx, tr)
		}
	}

	return nil, fmt.Errorf("%w: no %s in %s", ErrIndexEntryNotFound, needle, name)
}

// locateInIndex streams the tar entries of a gzip-compressed index and
// returns the first entry whose name begins with SignaturePrefix.
func (l *locator) locateInIndex(ctx context.Context, r io.Reader) (*Signature, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open index as gzip: %v", ErrFormat, err)
	}
	defer zr.Close()

	l.log().Info("searching for signature in index")

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read index as tar: %v", ErrFormat, err)
		}

		l.log().Debug("reading index entry", "name", hdr.Name)
		if strings.HasPrefix(hdr.Name, SignaturePrefix) {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read signature entry %s: %w", hdr.Name, err)
			}
			l.log().Info("found signature", "name", hdr.Name, "size", len(data))
			return &Signature{Name: hdr.Name, Data: data}, nil
		}
	}

	return nil, ErrSignatureNotFound
}

// locateFile reads a signature file verbatim. The entry name is the
// file's base name; the path is trusted to already be a valid signature
// filename and is not required to carry the .SIGN. prefix.
func (l *locator) locateFile(path string) (*Signature, error) {
	name := filepath.Base(path)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %q", ErrNoFilename, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	l.log().Info("read signature file", "name", name, "size", len(data))
	return &Signature{Name: name, Data: data}, nil
}
