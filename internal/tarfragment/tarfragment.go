// Package tarfragment builds and trims the single-entry tar fragment
// that carries a reused index signature.
//
// A signed APKINDEX is the fragment's gzip member concatenated ahead of
// the index's own stream, so the fragment must end after its last data
// block: the end-of-archive trailer a generic tar writer appends would
// otherwise terminate the combined stream early.
package tarfragment

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// blockSize is the fixed tar block size.
const blockSize = 512

// WriteTar writes a complete tar archive to w containing the single
// file name, resolved relative to dir. Owner and group are forced to
// numeric 0:0 with no symbolic names embedded, and the entry path
// inside the archive is exactly name: no component of dir leaks in.
//
// The archive includes the usual end-of-archive trailer; pair with
// [Trim] to produce a concatenable fragment.
func WriteTar(w io.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime().Truncate(time.Second),
		Format:   tar.FormatUSTAR,
	}
	// Uid, Gid, Uname, and Gname stay zero-valued: numeric 0:0 owner.

	tw := tar.NewWriter(w)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return tw.Close()
}

// Trim copies the tar stream from r to w up to, but not including, the
// end-of-archive trailer.
//
// The stream is walked header block by header block; each entry's data
// blocks (including their zero padding) are copied through verbatim.
// The first all-zero header block marks the trailer, and nothing from
// that point on is emitted. The remainder of r is still drained so an
// upstream pipe writer is not left blocked. Header checksums are not
// re-validated; only the size field is parsed, to find block
// boundaries. A stream that ends cleanly without a trailer is passed
// through unchanged.
func Trim(w io.Writer, r io.Reader) error {
	var block [blockSize]byte
	for {
		if _, err := io.ReadFull(r, block[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header block: %w", err)
		}

		if isZeroBlock(block[:]) {
			_, err := io.Copy(io.Discard, r)
			return err
		}

		size, err := entrySize(block[:])
		if err != nil {
			return err
		}

		if _, err := w.Write(block[:]); err != nil {
			return err
		}
		padded := (size + blockSize - 1) / blockSize * blockSize
		if _, err := io.CopyN(w, r, padded); err != nil {
			return fmt.Errorf("copy entry data: %w", err)
		}
	}
}

// entrySize parses the size field of a tar header block, accepting both
// octal and GNU base-256 encodings.
func entrySize(block []byte) (int64, error) {
	field := block[124:136]

	if field[0]&0x80 != 0 {
		// Base-256: high bit of the first byte set, remaining bits are a
		// big-endian binary number.
		n := int64(field[0] &^ 0x80)
		for _, b := range field[1:] {
			n = n<<8 | int64(b)
		}
		return n, nil
	}

	s := strings.Trim(string(field), " \x00")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("parse entry size %q: %w", s, err)
	}
	return n, nil
}

func isZeroBlock(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}
