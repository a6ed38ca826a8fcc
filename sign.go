package apkresign

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/apkresign/internal/tarfragment"
)

// outputMode is the fixed permission of a signed index, applied
// regardless of the destination's prior mode or the process umask.
const outputMode = 0o644

// SignOption configures a Sign operation.
type SignOption func(*signConfig)

// signConfig holds configuration for the Sign operation.
type signConfig struct {
	logger  *slog.Logger
	modTime *time.Time
}

// SignWithLogger sets the logger for the signing pipeline.
func SignWithLogger(logger *slog.Logger) SignOption {
	return func(cfg *signConfig) {
		cfg.logger = logger
	}
}

// SignWithModTime pins the embedded signature file's modification time,
// overriding SOURCE_DATE_EPOCH. Sub-second precision is discarded.
func SignWithModTime(t time.Time) SignOption {
	return func(cfg *signConfig) {
		tt := t.Truncate(time.Second)
		cfg.modTime = &tt
	}
}

// Sign splices sig onto the unsigned index at indexPath and writes the
// signed archive to outputPath, which may equal indexPath.
//
// The signature is materialized in a scoped temporary directory, packed
// into a single-entry tar with owner and group 0:0, trimmed of its
// end-of-archive trailer, recompressed with gzip at maximum compression
// and without header metadata, and concatenated ahead of the raw index
// bytes. The destination is written only after every stage has
// succeeded; on failure an existing destination is left untouched.
func Sign(ctx context.Context, indexPath, outputPath string, sig *Signature, opts ...SignOption) error {
	cfg := signConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &signer{cfg: cfg}

	if sig == nil || sig.Name == "" {
		return fmt.Errorf("%w: empty signature name", ErrNoFilename)
	}

	dir, err := os.MkdirTemp("", "apkresign-")
	if err != nil {
		return fmt.Errorf("create temporary directory: %w", err)
	}
	defer os.RemoveAll(dir)
	s.log().Debug("created temporary directory", "dir", dir)

	if err := s.writeSignatureFile(dir, sig); err != nil {
		return err
	}

	s.log().Info("creating signed index with existing signature", "name", sig.Name)
	fragment, err := s.buildFragment(ctx, dir, sig.Name)
	if err != nil {
		return err
	}

	s.log().Info("appending package index", "path", indexPath)
	index, err := os.ReadFile(indexPath)
	if err != nil {
		return fmt.Errorf("read index at %s: %w", indexPath, err)
	}

	signed := append(fragment, index...)

	s.log().Info("writing signed index", "path", outputPath)
	if err := writeFileAtomic(outputPath, signed); err != nil {
		return fmt.Errorf("write signed index to %s: %w", outputPath, err)
	}

	s.log().Info("signed index written",
		"path", outputPath,
		"size", len(signed),
		"digest", digest.FromBytes(signed))
	return nil
}

// signer holds state for a single Sign run.
type signer struct {
	cfg signConfig
}

// log returns the logger, falling back to a discard logger if nil.
func (s *signer) log() *slog.Logger {
	if s.cfg.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.cfg.logger
}

// writeSignatureFile materializes the signature inside dir under its
// original entry name and pins its mtime when a reproducibility
// timestamp is available.
func (s *signer) writeSignatureFile(dir string, sig *Signature) error {
	sigPath := filepath.Join(dir, filepath.FromSlash(sig.Name))
	if parent := filepath.Dir(sigPath); parent != dir {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create signature directory: %w", err)
		}
	}

	s.log().Debug("writing signature to file", "path", sigPath)
	if err := os.WriteFile(sigPath, sig.Data, 0o644); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}

	if mt, ok := s.modTime(); ok {
		s.log().Debug("pinning signature mtime", "path", sigPath, "mtime", mt.Unix())
		if err := os.Chtimes(sigPath, mt, mt); err != nil {
			return fmt.Errorf("pin signature mtime: %w", err)
		}
	}
	return nil
}

// modTime returns the reproducibility timestamp: an explicit option
// first, SOURCE_DATE_EPOCH otherwise.
func (s *signer) modTime() (time.Time, bool) {
	if s.cfg.modTime != nil {
		return *s.cfg.modTime, true
	}
	return sourceDateEpoch()
}

// sourceDateEpoch reads SOURCE_DATE_EPOCH. An absent or unparseable
// value disables pinning.
func sourceDateEpoch() (time.Time, bool) {
	v := os.Getenv("SOURCE_DATE_EPOCH")
	if v == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// buildFragment runs the tar, trim, and gzip stages as a streaming
// chain connected by pipes. Back-pressure flows through the pipes, all
// stages are joined before the fragment is returned, and the first
// failure cancels the rest and names its stage.
func (s *signer) buildFragment(ctx context.Context, dir, name string) ([]byte, error) {
	g, ctx := errgroup.WithContext(ctx)

	tarR, tarW := io.Pipe()
	trimR, trimW := io.Pipe()
	var buf bytes.Buffer

	g.Go(func() error {
		err := tarfragment.WriteTar(tarW, dir, name)
		tarW.CloseWithError(err)
		if err != nil {
			return stageErr("tar", err)
		}
		return nil
	})

	g.Go(func() error {
		err := tarfragment.Trim(trimW, tarR)
		trimW.CloseWithError(err)
		tarR.CloseWithError(err)
		if err != nil {
			return stageErr("trim", err)
		}
		return nil
	})

	g.Go(func() error {
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return stageErr("gzip", err)
		}
		// No Name or ModTime in the header: the gzip -n equivalent
		// required for reproducible output.
		if _, err := copyWithContext(ctx, zw, trimR); err != nil {
			trimR.CloseWithError(err)
			return stageErr("gzip", err)
		}
		if err := zw.Close(); err != nil {
			return stageErr("gzip", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.log().Debug("built signature fragment", "compressed_size", buf.Len())
	return buf.Bytes(), nil
}

// stageErr wraps a pipeline stage failure with the stage name.
func stageErr(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPipeline, stage, err)
}

// copyWithContext copies r to w, checking for cancellation between
// chunks so an interrupted run does not leave stages spinning.
func copyWithContext(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// writeFileAtomic writes data beside path and renames it into place
// with the fixed output mode, so the destination either keeps its old
// content or receives the complete signed bytes.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".apkresign-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	// Chmod rather than relying on CreateTemp's 0600: the output mode is
	// fixed at 0644 regardless of umask.
	if err := tmp.Chmod(outputMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
