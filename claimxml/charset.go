package claimxml

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// maxWrapperDepth bounds recursive unwrapping (a gzip inside a zip is the
// deepest nesting seen in the wild).
const maxWrapperDepth = 3

// Normalize converts raw document bytes to BOM-less UTF-8. It accepts
// UTF-8 (with optional BOM), UTF-16LE/BE (BOM or NUL-byte heuristic), and
// gzip- or zip-wrapped single-entry payloads. Unrecognized or invalid
// encodings fail with a precise reason.
func Normalize(raw []byte) ([]byte, error) {
	return normalize(raw, 0)
}

func normalize(raw []byte, depth int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("claimxml: empty payload")
	}
	if depth > maxWrapperDepth {
		return nil, fmt.Errorf("claimxml: wrapper nesting exceeds %d levels", maxWrapperDepth)
	}

	// Compressed wrappers first; their content re-enters detection.
	switch {
	case len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b:
		inner, err := gunzip(raw)
		if err != nil {
			return nil, fmt.Errorf("claimxml: gzip payload: %w", err)
		}
		return normalize(inner, depth+1)
	case len(raw) >= 4 && bytes.HasPrefix(raw, []byte("PK\x03\x04")):
		inner, err := unzipSingle(raw)
		if err != nil {
			return nil, fmt.Errorf("claimxml: zip payload: %w", err)
		}
		return normalize(inner, depth+1)
	}

	switch {
	case bytes.HasPrefix(raw, []byte{0xef, 0xbb, 0xbf}):
		raw = raw[3:]
	case bytes.HasPrefix(raw, []byte{0xff, 0xfe}), bytes.HasPrefix(raw, []byte{0xfe, 0xff}):
		return decodeUTF16(raw)
	case looksUTF16(raw):
		return decodeUTF16WithOrder(raw)
	}

	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("claimxml: payload is not valid UTF-8")
	}
	return raw, nil
}

// looksUTF16 detects BOM-less UTF-16 by NUL bytes interleaved with ASCII in
// the first bytes (XML documents always open with ASCII markup).
func looksUTF16(raw []byte) bool {
	n := len(raw)
	if n < 4 {
		return false
	}
	if n > 64 {
		n = 64
	}
	nuls := 0
	for i := 0; i < n; i++ {
		if raw[i] == 0 {
			nuls++
		}
	}
	return nuls >= n/3
}

func decodeUTF16(raw []byte) ([]byte, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("claimxml: decode UTF-16: %w", err)
	}
	return stripUTF8BOM(out), nil
}

func decodeUTF16WithOrder(raw []byte) ([]byte, error) {
	// No BOM: infer order from which half of the first pair is NUL.
	endian := unicode.LittleEndian
	if len(raw) >= 2 && raw[0] == 0 {
		endian = unicode.BigEndian
	}
	dec := unicode.UTF16(endian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("claimxml: decode BOM-less UTF-16: %w", err)
	}
	return stripUTF8BOM(out), nil
}

func stripUTF8BOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xef, 0xbb, 0xbf})
}

func gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// unzipSingle extracts the single XML entry of a zip archive. Archives with
// zero or multiple non-directory entries are rejected.
func unzipSingle(raw []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, err
	}
	var entry *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		if entry != nil {
			return nil, fmt.Errorf("archive holds more than one entry")
		}
		entry = f
	}
	if entry == nil {
		return nil, fmt.Errorf("archive holds no entries")
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
