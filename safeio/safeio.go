// Package safeio provides I/O safety primitives shared across claimsink:
// file-name validation for staged payloads, path traversal guards, and
// bounded reads for remote response bodies.
package safeio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// MaxResponseBody is the default cap for HTTP response body reads (64 MiB).
// DHPO transaction files can exceed 25 MiB; 64 MiB gives headroom without
// letting a misbehaving endpoint exhaust memory.
const MaxResponseBody int64 = 64 << 20

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("safeio: path traversal detected")

// ErrUnsafeFileName is returned when a remote-supplied file name fails the
// safe-name check.
var ErrUnsafeFileName = errors.New("safeio: unsafe file name")

// SafeXMLName validates a remote-supplied file name for use as a staging
// file id: it must end in .xml, contain no path separators, no "..", and
// no control characters. Returns ErrUnsafeFileName otherwise.
func SafeXMLName(name string) error {
	if name == "" {
		return ErrUnsafeFileName
	}
	if !strings.HasSuffix(strings.ToLower(name), ".xml") {
		return ErrUnsafeFileName
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return ErrUnsafeFileName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrUnsafeFileName
		}
	}
	return nil
}

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned absolute path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// LimitedReadAll reads at most maxBytes from r. Returns an error if the
// limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safeio: payload exceeds %d bytes", maxBytes)
	}
	return data, nil
}
