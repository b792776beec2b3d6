package syncagent

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/agentworkforce/novelsync/internal/storage"
)

var (
	ErrInvalidDSN     = errors.New("invalid state dsn")
	ErrNotImplemented = errors.New("not implemented")
)

// StateBackend persists the agent's view between runs. Load returns nil when
// nothing has been saved yet.
type StateBackend interface {
	Load() (*ViewState, error)
	Save(state *ViewState) error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

// Load and Save round-trip through JSON so callers never share slices with
// the stored copy.
func (b *InMemoryStateBackend) Load() (*ViewState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var state ViewState
	if err := json.Unmarshal(b.snapshot, &state); err != nil {
		return nil, errors.WithStack(err)
	}
	return &state, nil
}

func (b *InMemoryStateBackend) Save(state *ViewState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.WithStack(err)
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*ViewState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	var state ViewState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "decode %s", b.Path)
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *ViewState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.WithStack(err)
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(storage.WriteFileAtomic(b.Path, data, 0o644))
}

// BuildStateBackendFromDSN picks a backend by scheme: memory://, file://path
// or a bare path, postgres://..., or any scheme added with
// RegisterStateBackendFactory. An empty DSN selects memory.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryStateBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidDSN, err.Error())
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, errors.Wrapf(ErrNotImplemented, "state backend %s", scheme)
	}
	return nil, errors.Wrapf(ErrInvalidDSN, "unsupported state backend scheme %q", scheme)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidDSN
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidDSN
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", errors.Wrap(ErrInvalidDSN, "file dsn without a path")
	}
	return path, nil
}
