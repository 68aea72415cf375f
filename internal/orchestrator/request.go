package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
)

// CallRequest describes one logical backend call. It is not modified after
// construction; every attempt re-reads the same serialized body.
type CallRequest struct {
	Endpoint string
	Method   string
	Body     Body
}

// Body is a request payload that can be serialized to its wire format.
type Body interface {
	Encode() (data []byte, contentType string, err error)
}

// JSONBody serializes Value with encoding/json.
type JSONBody struct {
	Value any
}

func (b JSONBody) Encode() ([]byte, string, error) {
	data, err := json.Marshal(b.Value)
	if err != nil {
		return nil, "", fmt.Errorf("encode json body: %w", err)
	}
	return data, "application/json", nil
}

// FormField is a plain multipart form value.
type FormField struct {
	Name  string
	Value string
}

// FormFile is a file part. Filename is sent as is, so relative paths such as
// "docs/readme.md" survive the trip.
type FormFile struct {
	Field    string
	Filename string
	Content  []byte
}

// MultipartBody is a multipart/form-data payload with fields written before files.
type MultipartBody struct {
	Fields []FormField
	Files  []FormFile
}

func (b MultipartBody) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range b.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}
	for _, f := range b.Files {
		part, err := w.CreateFormFile(f.Field, f.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", f.Filename, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("write part %s: %w", f.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
