package design

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

const filePermissions = 0o644

// Store keeps designs under string IDs. Put assigns a new UUID when the
// design has no ID and returns the ID it stored under.
type Store interface {
	Put(ctx context.Context, d *Design) (string, error)
	Get(ctx context.Context, id string) (*Design, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

func assignID(d *Design) string {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return d.ID
}

func encode(d *Design) ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileStore keeps one JSON record per design in a directory.
type FileStore struct {
	dir     string
	metrics *metrics.Registry
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, reg *metrics.Registry) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewError("open").Backend("file").Context(dir).Cause(err).Err()
	}
	return &FileStore{dir: dir, metrics: reg}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid design id %q", id)
	}
	return nil
}

// Put writes the record through a temporary file and an atomic rename.
func (s *FileStore) Put(ctx context.Context, d *Design) (id string, err error) {
	defer func() { s.metrics.RecordStoreOperation("file", "put", err) }()

	id = assignID(d)
	if err := validID(id); err != nil {
		return "", NewError("put").Backend("file").Design(id).Cause(err).Err()
	}
	data, err := encode(d)
	if err != nil {
		return "", NewError("put").Backend("file").Design(id).Cause(err).Err()
	}
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return "", NewError("put").Backend("file").Design(id).Cause(err).Err()
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return "", NewError("put").Backend("file").Design(id).Context("rename").Cause(err).Err()
	}
	return id, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (d *Design, err error) {
	defer func() { s.metrics.RecordStoreOperation("file", "get", err) }()

	if err := validID(id); err != nil {
		return nil, NewError("get").Backend("file").Design(id).Cause(err).Err()
	}
	f, err := os.Open(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NotFoundError("get", "file", id)
	}
	if err != nil {
		return nil, NewError("get").Backend("file").Design(id).Cause(err).Err()
	}
	defer f.Close()

	d, err = Load(f)
	if err != nil {
		return nil, NewError("get").Backend("file").Design(id).Context("decode").Cause(err).Err()
	}
	if d.ID == "" {
		d.ID = id
	}
	return d, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, NewError("list").Backend("file").Cause(err).Err()
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.RecordStoreOperation("file", "delete", err) }()

	if err := validID(id); err != nil {
		return NewError("delete").Backend("file").Design(id).Cause(err).Err()
	}
	err = os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return NotFoundError("delete", "file", id)
	}
	if err != nil {
		return NewError("delete").Backend("file").Design(id).Cause(err).Err()
	}
	return nil
}

// SaveFile writes d to path directly, outside any store.
func SaveFile(path string, d *Design) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, filePermissions)
}

// LoadFile reads a design record from path.
func LoadFile(path string) (*Design, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
