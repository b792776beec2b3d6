// Package events defines the change notifications pushed from the server to
// viewers. On the wire every event is a tagged object {"type": ..., "data": ...}.
package events

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/agentworkforce/novelsync/internal/storage"
)

type Type string

const (
	TypeConnection     Type = "connection"
	TypeNovelCreated   Type = "novel_created"
	TypeNovelUpdated   Type = "novel_updated"
	TypeNovelDeleted   Type = "novel_deleted"
	TypeCoverUpdated   Type = "cover_updated"
	TypeFullSync       Type = "full_sync"
	TypeChapterAdded   Type = "chapter_added"
	TypeChapterUpdated Type = "chapter_updated"

	// TypeRequestFullSync is the only message a viewer sends.
	TypeRequestFullSync Type = "request_full_sync"
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrMalformed   = errors.New("malformed event")
)

// Event is implemented only by the types in this package.
type Event interface {
	Type() Type
	payload() any
}

type Connection struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type NovelCreated struct{ Novel storage.Novel }

type NovelUpdated struct{ Novel storage.Novel }

type ChapterAdded struct{ Novel storage.Novel }

type ChapterUpdated struct{ Novel storage.Novel }

type NovelDeleted struct {
	Username string `json:"username"`
	Title    string `json:"title"`
}

type CoverUpdated struct {
	Username  string    `json:"username"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// FullSync carries every novel. Novels is nil when a message arrived without
// data, which receivers treat as a request to refetch.
type FullSync struct{ Novels []storage.Novel }

type RequestFullSync struct{}

func (Connection) Type() Type      { return TypeConnection }
func (NovelCreated) Type() Type    { return TypeNovelCreated }
func (NovelUpdated) Type() Type    { return TypeNovelUpdated }
func (NovelDeleted) Type() Type    { return TypeNovelDeleted }
func (CoverUpdated) Type() Type    { return TypeCoverUpdated }
func (FullSync) Type() Type        { return TypeFullSync }
func (ChapterAdded) Type() Type    { return TypeChapterAdded }
func (ChapterUpdated) Type() Type  { return TypeChapterUpdated }
func (RequestFullSync) Type() Type { return TypeRequestFullSync }

func (e Connection) payload() any     { return e }
func (e NovelCreated) payload() any   { return e.Novel }
func (e NovelUpdated) payload() any   { return e.Novel }
func (e NovelDeleted) payload() any   { return e }
func (e CoverUpdated) payload() any   { return e }
func (e ChapterAdded) payload() any   { return e.Novel }
func (e ChapterUpdated) payload() any { return e.Novel }
func (RequestFullSync) payload() any  { return nil }

func (e FullSync) payload() any {
	if e.Novels == nil {
		return []storage.Novel{}
	}
	return e.Novels
}

// Key returns the novel an event concerns. Events that carry no single novel
// report false.
func Key(e Event) (storage.NovelKey, bool) {
	switch ev := e.(type) {
	case NovelCreated:
		return ev.Novel.Key(), true
	case NovelUpdated:
		return ev.Novel.Key(), true
	case ChapterAdded:
		return ev.Novel.Key(), true
	case ChapterUpdated:
		return ev.Novel.Key(), true
	case NovelDeleted:
		return storage.NovelKey{Username: ev.Username, Title: ev.Title}, true
	case CoverUpdated:
		return storage.NovelKey{Username: ev.Username, Title: ev.Title}, true
	}
	return storage.NovelKey{}, false
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.Wrap(ErrMalformed, "nil event")
	}
	out := envelope{Type: e.Type()}
	if p := e.payload(); p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", e.Type())
		}
		out.Data = data
	}
	return json.Marshal(out)
}

func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	data := env.Data
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		data = nil
	}
	switch env.Type {
	case TypeConnection:
		return decodeInto(env.Type, data, func(c Connection) Connection { return c })
	case TypeNovelCreated:
		return decodeInto(env.Type, data, func(n storage.Novel) NovelCreated { return NovelCreated{Novel: n} })
	case TypeNovelUpdated:
		return decodeInto(env.Type, data, func(n storage.Novel) NovelUpdated { return NovelUpdated{Novel: n} })
	case TypeChapterAdded:
		return decodeInto(env.Type, data, func(n storage.Novel) ChapterAdded { return ChapterAdded{Novel: n} })
	case TypeChapterUpdated:
		return decodeInto(env.Type, data, func(n storage.Novel) ChapterUpdated { return ChapterUpdated{Novel: n} })
	case TypeNovelDeleted:
		return decodeInto(env.Type, data, func(d NovelDeleted) NovelDeleted { return d })
	case TypeCoverUpdated:
		return decodeInto(env.Type, data, func(c CoverUpdated) CoverUpdated { return c })
	case TypeFullSync:
		// A full_sync without data is still a valid refetch hint.
		ev := FullSync{}
		if data != nil {
			if err := json.Unmarshal(data, &ev.Novels); err != nil {
				return nil, errors.Wrapf(ErrMalformed, "%s: %v", env.Type, err)
			}
		}
		return ev, nil
	case TypeRequestFullSync:
		return RequestFullSync{}, nil
	case "":
		return nil, errors.Wrap(ErrMalformed, "missing type")
	}
	return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
}

func decodeInto[T any, E Event](t Type, data []byte, build func(T) E) (Event, error) {
	var v T
	if err := decodeData(t, data, &v); err != nil {
		return nil, err
	}
	return build(v), nil
}

func decodeData(t Type, data []byte, out any) error {
	if data == nil {
		return errors.Wrapf(ErrMalformed, "%s: missing data", t)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(ErrMalformed, "%s: %v", t, err)
	}
	return nil
}
