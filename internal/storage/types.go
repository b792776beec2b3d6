package storage

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/agentworkforce/novelsync/internal/paths"
)

var (
	ErrInvalidKey     = paths.ErrInvalidKey
	ErrInvalidInput   = errors.New("invalid input")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrAuthorNotFound = errors.New("author not found")
	ErrNovelNotFound  = errors.New("novel not found")
	ErrIOFailure      = errors.New("io failure")
	ErrParseFailure   = errors.New("parse failure")
)

// IOError wraps a filesystem failure. It matches ErrIOFailure and unwraps to
// the underlying os error.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// ParseError reports a record that exists but is not valid JSON or does not
// match its schema. Readers skip such records.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParseFailure
}

func ioFailure(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: errors.WithStack(err)}
}

type NovelStatus string

const (
	StatusOngoing   NovelStatus = "ongoing"
	StatusCompleted NovelStatus = "completed"
	StatusPaused    NovelStatus = "paused"
)

func (s NovelStatus) Valid() bool {
	switch s {
	case StatusOngoing, StatusCompleted, StatusPaused:
		return true
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Chapter struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	ChapterNumber int       `json:"chapterNumber"`
	WordCount     int       `json:"wordCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Novel is the joined view of a metadata record and its chapter records.
type Novel struct {
	Title        string      `json:"title"`
	Author       string      `json:"author"`
	AuthorID     string      `json:"authorId"`
	Description  string      `json:"description"`
	Tags         []string    `json:"tags"`
	Status       NovelStatus `json:"status"`
	ViewCount    int         `json:"viewCount"`
	LikeCount    int         `json:"likeCount"`
	ChapterCount int         `json:"chapterCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Chapters     []Chapter   `json:"chapters"`
}

// Key identifies a novel directory.
func (n Novel) Key() NovelKey {
	return NovelKey{Username: n.Author, Title: n.Title}
}

type NovelKey struct {
	Username string `json:"username"`
	Title    string `json:"title"`
}

func (k NovelKey) String() string {
	return k.Username + "/" + k.Title
}

type ChapterMetadata struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ChapterNumber int       `json:"chapterNumber"`
	WordCount     int       `json:"wordCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NovelMetadata is the metadata.json record: everything but chapter bodies.
type NovelMetadata struct {
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	AuthorID    string            `json:"authorId"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Status      NovelStatus       `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ViewCount   int               `json:"viewCount"`
	LikeCount   int               `json:"likeCount"`
	Chapters    []ChapterMetadata `json:"chapters"`
}

type UserInput struct {
	Username     string
	Email        string
	PasswordHash string
}

// UserUpdate applies only non-nil fields.
type UserUpdate struct {
	Email        *string
	PasswordHash *string
}

type NovelInput struct {
	Title       string
	Description string
	Tags        []string
	Status      NovelStatus
}

// NovelUpdate applies only non-nil fields. Titles are storage keys and cannot
// be changed here.
type NovelUpdate struct {
	Description *string
	Tags        *[]string
	Status      *NovelStatus
}

type ChapterInput struct {
	Title   string
	Content string
}

type ChapterUpdate struct {
	Title   *string
	Content *string
}
