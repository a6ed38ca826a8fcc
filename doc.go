// Package apkresign splices an existing APKINDEX signature onto an
// unsigned package index, producing a signed archive byte-compatible
// with the abuild signing pipeline.
//
// The tool never computes a signature itself. It locates one in an
// existing artifact and reuses it:
//
//	sig, err := apkresign.Locate(ctx, apkresign.IndexSource("APKINDEX.tar.gz"))
//	if err != nil {
//	    return err
//	}
//	err = apkresign.Sign(ctx, "unsigned/APKINDEX.tar.gz", "out/APKINDEX.tar.gz", sig)
//
// Signatures can come from a filesystem image archive, another signed
// index, a bare signature file, or a container image in an OCI registry.
// All sources converge to the same [Signature] value, so the signer is
// source-agnostic.
//
// # Output format
//
// A signed index is two concatenated gzip members: a trimmed
// single-entry tar fragment holding the signature (owner and group
// forced to 0:0), followed by the original unsigned index bytes
// verbatim. The fragment's end-of-archive trailer is stripped so a tar
// reader sees one continuous stream once both members are decompressed.
// Consumers must support multi-member gzip; this is a property of the
// format, not an accident.
//
// # Reproducible builds
//
// When SOURCE_DATE_EPOCH is set to a parseable UNIX timestamp, the
// embedded signature file's modification time is pinned to it and the
// gzip header carries no name or timestamp, making the output
// bit-reproducible.
package apkresign
