package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Format is a container plus compression filter.
type Format string

const (
	FormatTar      Format = "tar"
	FormatTarGzip  Format = "tar.gz"
	FormatTarBzip2 Format = "tar.bz2"
	FormatTarXz    Format = "tar.xz"
	FormatTarZstd  Format = "tar.zst"
	FormatZip      Format = "zip"
)

const sniffLen = 512

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicZip   = []byte("PK\x03\x04")
	magicZipE  = []byte("PK\x05\x06")
	magicUstar = []byte("ustar")
)

// Detect identifies the format from the start of the stream without consuming it.
func Detect(r *bufio.Reader) (Format, error) {
	head, err := r.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", fmt.Errorf("read archive header: %w", err)
	}
	f, ok := detectBytes(head)
	if !ok {
		return "", ErrUnsupportedFormat
	}
	return f, nil
}

func detectBytes(head []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGzip, true
	case bytes.HasPrefix(head, magicBzip2):
		return FormatTarBzip2, true
	case bytes.HasPrefix(head, magicXz):
		return FormatTarXz, true
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZstd, true
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipE):
		return FormatZip, true
	case len(head) >= 262 && bytes.Equal(head[257:262], magicUstar):
		return FormatTar, true
	}
	return "", false
}
