// Package upload turns a local folder into the multipart payload of a
// folder snapshot.
package upload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/throw-if-null/snapdiff/internal/api"
	"github.com/throw-if-null/snapdiff/internal/orchestrator"
)

// ErrEmptyFolder is returned when the folder holds no regular files.
var ErrEmptyFolder = errors.New("folder contains no files")

// BuildFolder reads every regular file under dir into a multipart body.
// File names are "<folder name>/<relative path>", the layout a browser
// folder picker produces.
func BuildFolder(dir, id string) (orchestrator.MultipartBody, error) {
	body := orchestrator.MultipartBody{
		Fields: []orchestrator.FormField{{Name: api.UploadIDField, Value: id}},
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return body, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return body, err
	}
	if !fi.IsDir() {
		return body, fmt.Errorf("%s is not a directory", dir)
	}
	base := filepath.Base(abs)

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		body.Files = append(body.Files, orchestrator.FormFile{
			Field:    api.UploadFileField,
			Filename: filepath.ToSlash(filepath.Join(base, rel)),
			Content:  content,
		})
		return nil
	})
	if err != nil {
		return body, err
	}
	if len(body.Files) == 0 {
		return body, fmt.Errorf("%s: %w", dir, ErrEmptyFolder)
	}
	return body, nil
}
