// Package changeset defines the wire format for a filesystem layer diff.
//
// A changeset is a tar archive (optionally gzip-compressed) using OCI
// whiteout conventions: a file named ".wh.<name>" deletes <name> from lower
// layers, and ".wh..wh..opq" marks its directory as opaque (hides all
// lower-layer contents of that directory). Parsing converts the archive into
// explicit typed entries so that merge logic never has to reason about
// sentinel file names.
package changeset

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
)

const (
	// whiteoutPrefix marks a deletion of the suffixed name in lower layers.
	whiteoutPrefix = ".wh."

	// opaqueMarker marks the containing directory as opaque.
	opaqueMarker = ".wh..wh..opq"
)

// Kind classifies a changeset entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindWhiteout // path is deleted in this layer
	KindOpaque   // directory contents from lower layers are hidden
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindWhiteout:
		return "whiteout"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Entry is a single typed change. Path is slash-separated and relative
// (no leading "/"). For KindFile, Data holds the full content. For
// KindSymlink, LinkTarget holds the link destination. For KindOpaque,
// Path names the directory made opaque.
type Entry struct {
	Path       string
	Kind       Kind
	Mode       os.FileMode
	Data       []byte
	LinkTarget string
}

// Changeset is a parsed layer diff. Entries preserve archive order;
// within one layer, whiteouts apply only to lower layers, never to
// entries added by the same layer.
type Changeset struct {
	Entries []Entry
}

// Parse decodes a changeset from raw diff bytes. Gzip-compressed input is
// detected by magic bytes and decompressed transparently.
func Parse(diff []byte) (*Changeset, error) {
	var r io.Reader = bytes.NewReader(diff)
	if len(diff) >= 2 && diff[0] == 0x1f && diff[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	cs := &Changeset{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		name, err := cleanPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue // archive root entry ("./")
		}

		base := path.Base(name)
		dir := path.Dir(name)

		if base == opaqueMarker {
			cs.Entries = append(cs.Entries, Entry{Path: normalDir(dir), Kind: KindOpaque})
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			target := path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
			cs.Entries = append(cs.Entries, Entry{Path: target, Kind: KindWhiteout})
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			cs.Entries = append(cs.Entries, Entry{
				Path: name,
				Kind: KindDir,
				Mode: os.FileMode(hdr.Mode),
			})
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			cs.Entries = append(cs.Entries, Entry{
				Path: name,
				Kind: KindFile,
				Mode: os.FileMode(hdr.Mode),
				Data: data,
			})
		case tar.TypeSymlink:
			cs.Entries = append(cs.Entries, Entry{
				Path:       name,
				Kind:       KindSymlink,
				Mode:       os.FileMode(hdr.Mode),
				LinkTarget: hdr.Linkname,
			})
		default:
			return nil, fmt.Errorf("unsupported tar entry type %q for %s", hdr.Typeflag, name)
		}
	}

	return cs, nil
}

// Build serializes entries into an uncompressed tar changeset. Whiteout and
// opaque entries are encoded back to their OCI marker-file names.
func Build(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, e := range entries {
		name, err := cleanPath(e.Path)
		if err != nil {
			return nil, err
		}
		if name == "" && e.Kind != KindOpaque {
			return nil, fmt.Errorf("empty entry path")
		}

		switch e.Kind {
		case KindFile:
			hdr := &tar.Header{
				Name:     name,
				Typeflag: tar.TypeReg,
				Mode:     int64(e.Mode),
				Size:     int64(len(e.Data)),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write header %s: %w", name, err)
			}
			if _, err := tw.Write(e.Data); err != nil {
				return nil, fmt.Errorf("write %s: %w", name, err)
			}
		case KindDir:
			hdr := &tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(e.Mode),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write header %s: %w", name, err)
			}
		case KindSymlink:
			hdr := &tar.Header{
				Name:     name,
				Typeflag: tar.TypeSymlink,
				Mode:     int64(e.Mode),
				Linkname: e.LinkTarget,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write header %s: %w", name, err)
			}
		case KindWhiteout:
			hdr := &tar.Header{
				Name:     path.Join(path.Dir(name), whiteoutPrefix+path.Base(name)),
				Typeflag: tar.TypeReg,
				Mode:     0,
				Size:     0,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write whiteout %s: %w", name, err)
			}
		case KindOpaque:
			hdr := &tar.Header{
				Name:     path.Join(name, opaqueMarker),
				Typeflag: tar.TypeReg,
				Mode:     0,
				Size:     0,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write opaque %s: %w", name, err)
			}
		default:
			return nil, fmt.Errorf("unknown entry kind %d for %s", e.Kind, name)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}

// cleanPath normalizes a tar or caller path to a slash-separated relative
// path. Paths escaping the root are rejected (path traversal).
func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean(strings.TrimPrefix(p, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes changeset root: %q", p)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// CleanPath normalizes a caller-supplied path (e.g. "/etc/config") to the
// internal relative form ("etc/config").
func CleanPath(p string) (string, error) {
	return cleanPath(p)
}

func normalDir(dir string) string {
	if dir == "." {
		return ""
	}
	return dir
}
