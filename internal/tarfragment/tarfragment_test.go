package tarfragment

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// buildTar writes a complete tar archive holding the given name/content
// pairs, trailer included.
func buildTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range files {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     int64(len(data)),
			Mode:     0o644,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestWriteTar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := []byte("signature payload")
	name := ".SIGN.RSA.builder@example.org.rsa.pub"
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteTar(&buf, dir, name); err != nil {
		t.Fatalf("WriteTar() error = %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if hdr.Name != name {
		t.Errorf("entry name = %q, want %q", hdr.Name, name)
	}
	if hdr.Uid != 0 || hdr.Gid != 0 {
		t.Errorf("owner = %d:%d, want 0:0", hdr.Uid, hdr.Gid)
	}
	if hdr.Uname != "" || hdr.Gname != "" {
		t.Errorf("symbolic owner = %q:%q, want empty", hdr.Uname, hdr.Gname)
	}
	got, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("entry data = %q, want %q", got, content)
	}
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("second Next() = %v, want io.EOF (complete archive)", err)
	}
}

func TestWriteTar_MissingFile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteTar(&buf, t.TempDir(), "absent"); err == nil {
		t.Fatal("WriteTar() expected error for missing file")
	}
}

func TestTrim(t *testing.T) {
	t.Parallel()

	single := buildTar(t, map[string][]byte{"sig": []byte("hello signature")})
	zeroData := buildTar(t, map[string][]byte{"zeros": make([]byte, blockSize)})

	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{
			name: "strips trailer from single entry archive",
			in:   single,
			want: single[:len(single)-2*blockSize],
		},
		{
			name: "all-zero data block is not mistaken for the trailer",
			in:   zeroData,
			want: zeroData[:len(zeroData)-2*blockSize],
		},
		{
			name: "stream without trailer passes through",
			in:   single[:len(single)-2*blockSize],
			want: single[:len(single)-2*blockSize],
		},
		{
			name: "empty stream",
			in:   nil,
			want: nil,
		},
		{
			name: "empty archive is trimmed to nothing",
			in:   make([]byte, 2*blockSize),
			want: nil,
		},
		{
			name: "bytes after the trailer are dropped",
			in:   append(append([]byte{}, single...), []byte("trailing garbage")...),
			want: single[:len(single)-2*blockSize],
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			if err := Trim(&out, bytes.NewReader(tt.in)); err != nil {
				t.Fatalf("Trim() error = %v", err)
			}
			if !bytes.Equal(out.Bytes(), tt.want) {
				t.Errorf("Trim() output length = %d, want %d", out.Len(), len(tt.want))
			}
		})
	}
}

// A trimmed fragment concatenated with another archive must read as one
// continuous tar stream.
func TestTrim_ConcatenatedStream(t *testing.T) {
	t.Parallel()

	lead := buildTar(t, map[string][]byte{".SIGN.RSA.key.pub": []byte("sig")})
	tail := buildTar(t, map[string][]byte{"APKINDEX": []byte("index contents")})

	var trimmed bytes.Buffer
	if err := Trim(&trimmed, bytes.NewReader(lead)); err != nil {
		t.Fatalf("Trim() error = %v", err)
	}

	combined := append(trimmed.Bytes(), tail...)
	tr := tar.NewReader(bytes.NewReader(combined))

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		names = append(names, hdr.Name)
	}

	want := []string{".SIGN.RSA.key.pub", "APKINDEX"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("combined entries = %v, want %v", names, want)
	}
}

func TestTrim_Base256Size(t *testing.T) {
	t.Parallel()

	// Header with a GNU base-256 size field for a 600-byte payload.
	var hdr [blockSize]byte
	copy(hdr[:], "big")
	hdr[124] = 0x80
	hdr[134] = 0x02 // 600 = 0x258
	hdr[135] = 0x58

	payload := bytes.Repeat([]byte{'x'}, 600)
	padded := make([]byte, 1024) // 600 rounded up to block size
	copy(padded, payload)

	in := append(append(hdr[:], padded...), make([]byte, 2*blockSize)...)
	want := append(hdr[:], padded...)

	var out bytes.Buffer
	if err := Trim(&out, bytes.NewReader(in)); err != nil {
		t.Fatalf("Trim() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("Trim() output length = %d, want %d", out.Len(), len(want))
	}
}

func TestTrim_TruncatedHeader(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := Trim(&out, bytes.NewReader(make([]byte, 100))); err == nil {
		t.Fatal("Trim() expected error for truncated header block")
	}
}

func TestTrim_TruncatedData(t *testing.T) {
	t.Parallel()

	full := buildTar(t, map[string][]byte{"sig": []byte("hello")})
	// Cut inside the entry's data block.
	in := full[:blockSize+100]

	var out bytes.Buffer
	if err := Trim(&out, bytes.NewReader(in)); err == nil {
		t.Fatal("Trim() expected error for truncated entry data")
	}
}
