// Package wire implements the tracker line protocol: reply prefixes, the structured
// list-payload codec and a newline-delimited message connection.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
)

// Encode marshals v as a single-line JSON document.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode strictly unmarshals one JSON document into v: unknown fields and trailing data
// are rejected. Errors wrap errs.ErrInvalidRequest.
func Decode(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after payload", errs.ErrInvalidRequest)
	}
	return nil
}

// ValidTreePath checks a slash-delimited path relative to a group root.
func ValidTreePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty tree path", errs.ErrInvalidRequest)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: bad segment in tree path %q", errs.ErrInvalidRequest, p)
		}
	}
	return nil
}

// EncodeFiles serializes a file list payload.
func EncodeFiles(files []model.FileMeta) (string, error) {
	if files == nil {
		files = []model.FileMeta{}
	}
	return Encode(files)
}

// DecodeFiles parses and validates a file list payload.
func DecodeFiles(s string) ([]model.FileMeta, error) {
	if !isJSONArray(s) {
		return nil, fmt.Errorf("%w: file list must be a JSON array", errs.ErrInvalidRequest)
	}
	var files []model.FileMeta
	if err := Decode(s, &files); err != nil {
		return nil, err
	}
	for i, f := range files {
		if err := ValidTreePath(f.TreePath); err != nil {
			return nil, fmt.Errorf("%w (file %d)", err, i)
		}
		if f.Filesize < 0 {
			return nil, fmt.Errorf("%w: negative filesize (file %d)", errs.ErrInvalidRequest, i)
		}
	}
	return files, nil
}

// EncodePaths serializes a path list payload.
func EncodePaths(paths []string) (string, error) {
	if paths == nil {
		paths = []string{}
	}
	return Encode(paths)
}

// DecodePaths parses and validates a path list payload.
func DecodePaths(s string) ([]string, error) {
	if !isJSONArray(s) {
		return nil, fmt.Errorf("%w: path list must be a JSON array", errs.ErrInvalidRequest)
	}
	var paths []string
	if err := Decode(s, &paths); err != nil {
		return nil, err
	}
	for i, p := range paths {
		if err := ValidTreePath(p); err != nil {
			return nil, fmt.Errorf("%w (path %d)", err, i)
		}
	}
	return paths, nil
}

func isJSONArray(s string) bool {
	b := bytes.TrimSpace([]byte(s))
	return len(b) > 0 && b[0] == '['
}
