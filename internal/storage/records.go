package storage

import (
	"bytes"
	"embed"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://novelsync.local/schemas/"

type recordKind string

const (
	recordUser     recordKind = "user.json"
	recordMetadata recordKind = "metadata.json"
	recordChapter  recordKind = "chapter.json"
)

type recordSchemas struct {
	byKind map[recordKind]*jsonschema.Schema
}

func compileRecordSchemas() (*recordSchemas, error) {
	compiler := jsonschema.NewCompiler()
	kinds := []recordKind{recordUser, recordMetadata, recordChapter}
	for _, kind := range kinds {
		raw, err := schemaFS.ReadFile("schemas/" + string(kind))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "decode schema %s", kind)
		}
		if err := compiler.AddResource(schemaBaseURL+string(kind), doc); err != nil {
			return nil, errors.Wrapf(err, "add schema %s", kind)
		}
	}
	out := &recordSchemas{byKind: map[recordKind]*jsonschema.Schema{}}
	for _, kind := range kinds {
		schema, err := compiler.Compile(schemaBaseURL + string(kind))
		if err != nil {
			return nil, errors.Wrapf(err, "compile schema %s", kind)
		}
		out.byKind[kind] = schema
	}
	return out, nil
}

func (r *recordSchemas) validate(kind recordKind, data []byte) error {
	schema, ok := r.byKind[kind]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// readRecord loads and validates one JSON record. A missing file reports
// (false, nil); an unreadable file an *IOError; a corrupt one a *ParseError.
func (s *Store) readRecord(kind recordKind, path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if missingPath(err) {
			return false, nil
		}
		return false, ioFailure("read", path, err)
	}
	if err := s.schemas.validate(kind, data); err != nil {
		return false, &ParseError{Path: path, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &ParseError{Path: path, Err: err}
	}
	return true, nil
}

// missingPath reports whether err means the record cannot exist, including a
// regular file sitting where a directory on the path should be.
func missingPath(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func (s *Store) writeRecord(path string, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return ioFailure("write", path, err)
	}
	return nil
}

func (s *Store) writeBlob(path string, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return ioFailure("write", path, err)
	}
	return nil
}

// WriteFileAtomic stages data in a dot-prefixed sibling and renames it into
// place, so readers and the watcher never see a half-written record.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
