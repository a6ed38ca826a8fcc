// Package testutil builds fixture archives for locator and signer tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Entry is one file inside a fixture archive.
type Entry struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// GzipTar returns a gzip-compressed tar stream holding entries in order.
func GzipTar(entries ...Entry) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Size:     int64(len(e.Data)),
			Mode:     0o644,
			ModTime:  e.ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			panic(err)
		}
		if _, err := tw.Write(e.Data); err != nil {
			panic(err)
		}
	}

	if err := tw.Close(); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Index returns a signed-index fixture: the given signature entries
// followed by an APKINDEX payload.
func Index(index []byte, sigs ...Entry) []byte {
	entries := append([]Entry{}, sigs...)
	entries = append(entries, Entry{Name: "APKINDEX", Data: index})
	return GzipTar(entries...)
}

// Image returns an image-archive fixture embedding index under
// ./apks/<arch>/APKINDEX.tar.gz, surrounded by unrelated entries.
func Image(arch string, index []byte, extra ...Entry) []byte {
	entries := []Entry{
		{Name: "./etc/os-release", Data: []byte("ID=alpine\n")},
	}
	entries = append(entries, extra...)
	entries = append(entries, Entry{
		Name: "./apks/" + arch + "/APKINDEX.tar.gz",
		Data: index,
	})
	entries = append(entries, Entry{Name: "./bin/sh", Data: []byte{0x7f, 'E', 'L', 'F'}})
	return GzipTar(entries...)
}
