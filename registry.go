package apkresign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Media types accepted as gzip-compressed tar layers.
var gzipLayerTypes = map[string]struct{}{
	ocispec.MediaTypeImageLayerGzip:                     {},
	"application/vnd.docker.image.rootfs.diff.tar.gzip": {},
}

// ociArch maps APK architecture names onto their OCI platform
// counterparts for multi-arch manifest selection.
var ociArch = map[string]string{
	"x86_64":  "amd64",
	"x86":     "386",
	"aarch64": "arm64",
	"armhf":   "arm",
	"armv7":   "arm",
}

// locateInRegistry resolves an image reference, walks its layers in
// manifest order, and runs the image search on each gzip layer until a
// signature is found. Layer bytes are verified against their manifest
// digest while streaming; verification of a layer only completes when
// the layer is read to the end, so a hit found mid-layer skips it.
func (l *locator) locateInRegistry(ctx context.Context, ref, arch string) (*Signature, error) {
	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if parsed.Reference == "" {
		return nil, fmt.Errorf("reference %q must include a tag or digest", ref)
	}

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	repo.PlainHTTP = l.cfg.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(_ context.Context, _ string) (auth.Credential, error) {
			return auth.EmptyCredential, nil
		},
		Header: http.Header{
			"User-Agent": []string{"apkresign/1.0"},
		},
	}

	l.log().Info("resolving image", "ref", ref)
	manifest, err := l.fetchImageManifest(ctx, repo, parsed.Reference, arch)
	if err != nil {
		return nil, err
	}

	for _, layer := range manifest.Layers {
		if _, ok := gzipLayerTypes[layer.MediaType]; !ok {
			l.log().Debug("skipping layer", "digest", layer.Digest, "mediaType", layer.MediaType)
			continue
		}

		sig, err := l.searchLayer(ctx, repo, ref, layer, arch)
		if err == nil {
			return sig, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
		l.log().Debug("layer has no index entry", "digest", layer.Digest)
	}

	return nil, fmt.Errorf("%w: no APKINDEX.tar.gz for %s in %s", ErrIndexEntryNotFound, arch, ref)
}

// fetchImageManifest fetches the manifest for reference, descending one
// level through a multi-arch index to the platform matching arch.
func (l *locator) fetchImageManifest(ctx context.Context, repo *remote.Repository, reference, arch string) (*ocispec.Manifest, error) {
	desc, rc, err := repo.FetchReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	raw, err := readAllClose(rc)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if desc.MediaType == ocispec.MediaTypeImageIndex ||
		desc.MediaType == "application/vnd.docker.distribution.manifest.list.v2+json" {
		var index ocispec.Index
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("%w: decode image index: %v", ErrFormat, err)
		}
		child, err := pickPlatform(&index, arch)
		if err != nil {
			return nil, err
		}
		l.log().Debug("descending into platform manifest", "digest", child.Digest)
		rc, err := repo.Manifests().Fetch(ctx, *child)
		if err != nil {
			return nil, fmt.Errorf("fetch platform manifest: %w", err)
		}
		if raw, err = readAllClose(rc); err != nil {
			return nil, fmt.Errorf("read platform manifest: %w", err)
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode image manifest: %v", ErrFormat, err)
	}
	return &manifest, nil
}

// searchLayer fetches one layer blob and scans it like a local image
// archive.
func (l *locator) searchLayer(ctx context.Context, repo *remote.Repository, ref string, layer ocispec.Descriptor, arch string) (*Signature, error) {
	rc, err := repo.Blobs().Fetch(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("fetch layer %s: %w", layer.Digest, err)
	}
	defer rc.Close()

	verifier := layer.Digest.Verifier()
	tee := io.TeeReader(rc, verifier)

	sig, err := l.locateInImage(ctx, tee, ref, arch)
	if err != nil {
		if isNotFound(err) {
			// Drain the trailing padding the tar reader never consumed,
			// then the digest covers the whole layer.
			if _, cerr := io.Copy(io.Discard, tee); cerr != nil {
				return nil, fmt.Errorf("read layer %s: %w", layer.Digest, cerr)
			}
			if !verifier.Verified() {
				return nil, fmt.Errorf("%w: layer %s digest mismatch", ErrFormat, layer.Digest)
			}
		}
		return nil, err
	}
	return sig, nil
}

// pickPlatform selects the child manifest matching the APK architecture.
func pickPlatform(index *ocispec.Index, arch string) (*ocispec.Descriptor, error) {
	want := arch
	if mapped, ok := ociArch[arch]; ok {
		want = mapped
	}
	for i := range index.Manifests {
		m := &index.Manifests[i]
		if m.Platform != nil && m.Platform.Architecture == want {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: no manifest for architecture %s", ErrIndexEntryNotFound, arch)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrIndexEntryNotFound) || errors.Is(err, ErrSignatureNotFound)
}

func readAllClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}
