package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// EntryType classifies an archive member.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDir
	TypeSymlink
	TypeHardlink
	TypeOther
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeHardlink:
		return "hardlink"
	default:
		return "other"
	}
}

// Entry is one member as read from the container.
type Entry struct {
	Name     string
	Type     EntryType
	Mode     fs.FileMode
	ModTime  time.Time
	Linkname string
	Size     int64
}

// entryReader walks archive members in archive order.
type entryReader interface {
	// Next returns the next entry and a reader over its content. It returns
	// io.EOF after the last entry.
	Next() (Entry, io.Reader, error)
	Close() error
}

func openEntries(path string) (entryReader, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, "", err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, "", fmt.Errorf("%s is not a regular file", path)
	}

	br := bufio.NewReader(f)
	format, err := Detect(br)
	if err != nil {
		_ = f.Close()
		return nil, "", err
	}

	if format == FormatZip {
		zr, err := zip.NewReader(f, info.Size())
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("read zip directory: %w", err)
		}
		return &zipEntries{file: f, files: zr.File}, format, nil
	}

	var (
		stream io.Reader
		closer func()
	)
	switch format {
	case FormatTar:
		stream = br
	case FormatTarGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("open gzip stream: %w", err)
		}
		stream, closer = gz, func() { _ = gz.Close() }
	case FormatTarBzip2:
		stream = bzip2.NewReader(br)
	case FormatTarXz:
		xzr, err := xz.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("open xz stream: %w", err)
		}
		stream = xzr
	case FormatTarZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("open zstd stream: %w", err)
		}
		stream, closer = dec, dec.Close
	}

	return &tarEntries{file: f, tr: tar.NewReader(stream), closer: closer}, format, nil
}

type tarEntries struct {
	file   *os.File
	tr     *tar.Reader
	closer func()
	seen   bool
}

func (t *tarEntries) Next() (Entry, io.Reader, error) {
	for {
		hdr, err := t.tr.Next()
		if err != nil {
			if !t.seen && errors.Is(err, tar.ErrHeader) {
				return Entry{}, nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
			}
			return Entry{}, nil, err
		}
		t.seen = true

		e := Entry{
			Name:     hdr.Name,
			Mode:     hdr.FileInfo().Mode().Perm(),
			ModTime:  hdr.ModTime,
			Linkname: hdr.Linkname,
			Size:     hdr.Size,
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeGNUSparse:
			e.Type = TypeFile
		case tar.TypeDir:
			e.Type = TypeDir
		case tar.TypeSymlink:
			e.Type = TypeSymlink
		case tar.TypeLink:
			e.Type = TypeHardlink
		case tar.TypeXGlobalHeader:
			// pax global headers carry metadata only
			continue
		default:
			e.Type = TypeOther
		}
		return e, t.tr, nil
	}
}

func (t *tarEntries) Close() error {
	if t.closer != nil {
		t.closer()
	}
	return t.file.Close()
}

type zipEntries struct {
	file  *os.File
	files []*zip.File
	idx   int
	open  io.ReadCloser
}

func (z *zipEntries) Next() (Entry, io.Reader, error) {
	if z.open != nil {
		_ = z.open.Close()
		z.open = nil
	}
	if z.idx >= len(z.files) {
		return Entry{}, nil, io.EOF
	}
	zf := z.files[z.idx]
	z.idx++

	mode := zf.Mode()
	e := Entry{
		Name:    zf.Name,
		Mode:    mode.Perm(),
		ModTime: zf.Modified,
		Size:    int64(zf.UncompressedSize64),
	}
	switch {
	case mode.IsDir():
		e.Type = TypeDir
		return e, nil, nil
	case mode&fs.ModeSymlink != 0:
		e.Type = TypeSymlink
	case mode.IsRegular():
		e.Type = TypeFile
	default:
		e.Type = TypeOther
		return e, nil, nil
	}

	rc, err := zf.Open()
	if err != nil {
		return e, nil, err
	}
	z.open = rc

	if e.Type == TypeSymlink {
		target, err := io.ReadAll(io.LimitReader(rc, 4096))
		if err != nil {
			return e, nil, err
		}
		e.Linkname = string(target)
		e.Size = 0
	}
	return e, rc, nil
}

func (z *zipEntries) Close() error {
	if z.open != nil {
		_ = z.open.Close()
	}
	return z.file.Close()
}
