// Package snapshot computes file inventories and compares them.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
)

const hashBlockSize = 64 << 10

// ErrNotDirectory is returned when the scan root is missing or not a directory.
var ErrNotDirectory = errors.New("path does not exist or is not a directory")

// Entry is one file of a snapshot: a slash-separated path relative to the
// snapshot root and the hex SHA-256 of its content.
type Entry struct {
	Path string
	Hash string
}

// HashReader returns the hex SHA-256 of r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// Scan walks root and hashes every regular file below it. Files that cannot
// be read are logged and skipped. Entries are sorted by path.
func Scan(root string, logger *log.Logger) ([]Entry, error) {
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", root, ErrNotDirectory)
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logf(logger, "skip %s: %v", p, err)
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, herr := HashFile(p)
		if herr != nil {
			logf(logger, "error reading file %s: %v", p, herr)
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		entries = append(entries, Entry{Path: filepath.ToSlash(rel), Hash: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Result lists the paths that differ between two snapshots, each sorted.
type Result struct {
	Added    []string
	Deleted  []string
	Modified []string
}

// Compare reports what changed going from a to b. Maps are path -> hash.
func Compare(a, b map[string]string) Result {
	res := Result{Added: []string{}, Deleted: []string{}, Modified: []string{}}
	for p, hb := range b {
		ha, ok := a[p]
		switch {
		case !ok:
			res.Added = append(res.Added, p)
		case ha != hb:
			res.Modified = append(res.Modified, p)
		}
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			res.Deleted = append(res.Deleted, p)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Deleted)
	sort.Strings(res.Modified)
	return res
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
