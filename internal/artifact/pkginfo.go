// Package artifact inspects built package files and records what a run
// produced.
package artifact

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// PkgInfo is the subset of a package's .PKGINFO nv-helper reports.
type PkgInfo struct {
	Name    string `json:"pkgname"`
	Version string `json:"pkgver"`
	Arch    string `json:"arch"`
	Desc    string `json:"pkgdesc,omitempty"`
}

// openPackage returns a decompressing reader for path based on its suffix.
func openPackage(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	var closeFn func()
	switch {
	case strings.HasSuffix(path, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		r, closeFn = zst, zst.Close
	case strings.HasSuffix(path, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		r = xzr
	case strings.HasSuffix(path, ".tar.gz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		r, closeFn = gz, func() { gz.Close() }
	case strings.HasSuffix(path, ".tar"):
		r = f
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported package format: %s", path)
	}
	return &pkgReader{Reader: r, f: f, closeFn: closeFn}, nil
}

type pkgReader struct {
	io.Reader
	f       *os.File
	closeFn func()
}

func (p *pkgReader) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return p.f.Close()
}

// ReadPkgInfo extracts .PKGINFO from the package file at path.
func ReadPkgInfo(path string) (*PkgInfo, error) {
	rc, err := openPackage(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("no .PKGINFO in %s", path)
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", path, err)
		}
		if strings.TrimPrefix(hdr.Name, "./") == ".PKGINFO" {
			return parsePkgInfo(tr)
		}
	}
}

func parsePkgInfo(r io.Reader) (*PkgInfo, error) {
	info := &PkgInfo{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "pkgname":
			info.Name = val
		case "pkgver":
			info.Version = val
		case "arch":
			info.Arch = val
		case "pkgdesc":
			info.Desc = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if info.Name == "" {
		return nil, fmt.Errorf(".PKGINFO has no pkgname")
	}
	return info, nil
}
