package disk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Format is a disk image format understood by qemu-img.
type Format string

const (
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

var (
	// qcow2Magic is "QFI\xfb" at offset 0.
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature closes the first 512-byte sector of MBR disks and of the
	// protective MBR on GPT disks.
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectImageFormat reads magic bytes to classify a base image. Only qcow2
// images and bootable raw images are accepted. The file is opened read-only.
func DetectImageFormat(fs afero.Fs, path string) (Format, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("file too small to be valid image (< 4 bytes): %w", err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return FormatQCOW2, nil
	}

	sig := make([]byte, 2)
	if _, err := f.ReadAt(sig, 510); err != nil {
		return "", fmt.Errorf("file too small for boot sector (< 512 bytes): %w", err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return FormatRaw, nil
	}

	return "", fmt.Errorf("unsupported or invalid image: not qcow2 and missing boot sector signature (0x55aa at offset 510)")
}
