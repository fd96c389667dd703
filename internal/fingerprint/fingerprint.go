// Package fingerprint computes content fingerprints and identifies ebook
// formats. A fingerprint is the pair (SHA-1 hex, byte size); two files with
// equal fingerprints are treated as the same content everywhere in the
// migration, matching the target service's own dedup key.
package fingerprint

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Fingerprint identifies a file's contents.
type Fingerprint struct {
	Hash string `json:"hash"` // lowercase hex SHA-1
	Size int64  `json:"size"` // bytes
}

// Key renders the fingerprint as "hash:size", the form used as map key in
// progress files and the dedup cache.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s:%d", f.Hash, f.Size)
}

// ParseKey inverts Key. Returns false if s is not a valid key.
func ParseKey(s string) (Fingerprint, bool) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Fingerprint{}, false
	}
	var size int64
	if _, err := fmt.Sscanf(s[i+1:], "%d", &size); err != nil {
		return Fingerprint{}, false
	}
	hash := s[:i]
	if len(hash) != 40 {
		return Fingerprint{}, false
	}
	return Fingerprint{Hash: hash, Size: size}, true
}

// Compute streams the file through SHA-1 and returns its fingerprint.
// The file is never read into memory whole; 500 MiB inputs are fine.
func Compute(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return Fingerprint{
		Hash: fmt.Sprintf("%x", h.Sum(nil)),
		Size: info.Size(),
	}, nil
}

// Format is a recognized ebook/archive format tag.
type Format string

const (
	FormatEPUB    Format = "epub"
	FormatMOBI    Format = "mobi"
	FormatPDF     Format = "pdf"
	FormatFB2     Format = "fb2"
	FormatAZW3    Format = "azw3"
	FormatCBZ     Format = "cbz"
	FormatCBR     Format = "cbr"
	FormatDJVU    Format = "djvu"
	FormatLIT     Format = "lit"
	FormatTXT     Format = "txt"
	FormatUnknown Format = "unknown"
)

var extFormats = map[string]Format{
	".epub": FormatEPUB,
	".mobi": FormatMOBI,
	".pdf":  FormatPDF,
	".fb2":  FormatFB2,
	".azw3": FormatAZW3,
	".cbz":  FormatCBZ,
	".cbr":  FormatCBR,
	".djvu": FormatDJVU,
	".lit":  FormatLIT,
	".txt":  FormatTXT,
}

// sniffLen is how much of the file header DetectFormat reads.
const sniffLen = 512

// DetectFormat identifies the format of the file at path. The extension
// wins when recognized (case-insensitive); otherwise the first 512 bytes
// are matched against known magic signatures, with mimetype sniffing as the
// final fallback for container formats.
func DetectFormat(path string) Format {
	if f, ok := extFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown
	}
	head = head[:n]

	return detectMagic(head)
}

func detectMagic(head []byte) Format {
	switch {
	// MOBI/PalmDoc: "BOOKMOBI" at offset 0x3C.
	case len(head) >= 0x44 && bytes.Equal(head[0x3C:0x44], []byte("BOOKMOBI")):
		return FormatMOBI
	case bytes.HasPrefix(head, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(head, []byte("Rar!\x1a\x07")):
		return FormatCBR
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		// ZIP container: EPUBs carry a mimetype entry naming epub+zip right
		// at the start of the archive; plain zips are comic archives.
		if bytes.Contains(head, []byte("epub+zip")) {
			return FormatEPUB
		}
		return FormatCBZ
	case looksLikeFB2(head):
		return FormatFB2
	}

	// Last resort: content sniffing for anything the signatures miss.
	mt := mimetype.Detect(head)
	switch {
	case mt.Is("application/epub+zip"):
		return FormatEPUB
	case mt.Is("application/pdf"):
		return FormatPDF
	case mt.Is("application/zip"):
		return FormatCBZ
	case mt.Is("application/x-rar-compressed"), mt.Is("application/vnd.rar"):
		return FormatCBR
	}
	return FormatUnknown
}

// looksLikeFB2 reports whether head is an XML prolog leading into a
// <FictionBook> root element.
func looksLikeFB2(head []byte) bool {
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	trimmed = bytes.TrimPrefix(trimmed, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return false
	}
	return bytes.Contains(head, []byte("<FictionBook"))
}
