package apkresign

// SignaturePrefix is the marker prefix of signature entries in a signed
// APKINDEX. Entries carrying it must precede the index payload in the
// same archive.
const SignaturePrefix = ".SIGN."

// Signature is a located index signature: the original entry name and
// the raw signature bytes. It is produced once by [Locate] and consumed
// once by [Sign]; callers must not mutate it in between.
type Signature struct {
	// Name is the entry path the signature was stored under, relative to
	// the archive root (e.g. ".SIGN.RSA.alpine-devel@lists.alpinelinux.org-6165ee59.rsa.pub").
	Name string

	// Data is the raw signature content, copied verbatim.
	Data []byte
}

// SourceKind discriminates the active variant of a [Source].
type SourceKind uint8

const (
	// SourceImage reads a gzip-compressed filesystem image archive and
	// searches it for ./apks/<arch>/APKINDEX.tar.gz.
	SourceImage SourceKind = iota

	// SourceIndex reads another signed APKINDEX.tar.gz directly.
	SourceIndex

	// SourceFile reads a bare signature file verbatim.
	SourceFile

	// SourceRegistry resolves a container image reference in an OCI
	// registry and searches its layers like SourceImage.
	SourceRegistry
)

// String returns the subcommand-style name of the kind.
func (k SourceKind) String() string {
	switch k {
	case SourceImage:
		return "from-image"
	case SourceIndex:
		return "from-index"
	case SourceFile:
		return "from-file"
	case SourceRegistry:
		return "from-registry"
	default:
		return "unknown"
	}
}

// Source describes where to copy an existing signature from. Exactly one
// kind is active; Arch applies only to image and registry sources.
type Source struct {
	Kind SourceKind

	// Path is the filesystem path of the image, index, or signature file.
	Path string

	// Ref is the OCI reference for registry sources.
	Ref string

	// Arch is the APK architecture (e.g. "x86_64") used to select the
	// index entry inside an image.
	Arch string
}

// ImageSource returns a Source reading a local image archive.
func ImageSource(path, arch string) Source {
	return Source{Kind: SourceImage, Path: path, Arch: arch}
}

// IndexSource returns a Source reading another signed index.
func IndexSource(path string) Source {
	return Source{Kind: SourceIndex, Path: path}
}

// FileSource returns a Source reading a bare signature file.
func FileSource(path string) Source {
	return Source{Kind: SourceFile, Path: path}
}

// RegistrySource returns a Source resolving an image in an OCI registry.
func RegistrySource(ref, arch string) Source {
	return Source{Kind: SourceRegistry, Ref: ref, Arch: arch}
}
