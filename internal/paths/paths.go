// Package paths maps users, novels and chapters onto the on-disk layout:
//
//	users/{username}/user.json
//	users/{username}/avatar.png
//	users/{username}/articles/{title}/metadata.json
//	users/{username}/articles/{title}/chapter_{n}.json
//	users/{username}/articles/{title}/cover.png
//
// Nothing here touches the filesystem.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrInvalidKey = errors.New("invalid key")

const (
	UsersDirName     = "users"
	ArticlesDirName  = "articles"
	UserFileName     = "user.json"
	AvatarFileName   = "avatar.png"
	MetadataFileName = "metadata.json"
	CoverFileName    = "cover.png"
	LocksDirName     = ".locks"

	chapterPrefix = "chapter_"
	chapterSuffix = ".json"
)

type KeyError struct {
	Kind  string
	Value string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Kind, e.Value)
}

func (e *KeyError) Is(target error) bool {
	return target == ErrInvalidKey
}

// ValidateKey rejects anything that could escape its parent directory or be
// hidden from the watcher.
func ValidateKey(kind, value string) error {
	switch {
	case strings.TrimSpace(value) == "",
		value == ".", value == "..",
		strings.HasPrefix(value, "."),
		strings.ContainsAny(value, "/\\\x00"):
		return &KeyError{Kind: kind, Value: value}
	}
	return nil
}

type Resolver struct {
	root string
}

func New(root string) Resolver {
	return Resolver{root: filepath.Clean(root)}
}

func (r Resolver) Root() string {
	return r.root
}

func (r Resolver) UsersDir() string {
	return filepath.Join(r.root, UsersDirName)
}

func (r Resolver) LocksDir() string {
	return filepath.Join(r.root, LocksDirName)
}

func (r Resolver) UserDir(username string) (string, error) {
	if err := ValidateKey("username", username); err != nil {
		return "", err
	}
	return filepath.Join(r.UsersDir(), username), nil
}

func (r Resolver) UserFile(username string) (string, error) {
	dir, err := r.UserDir(username)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserFileName), nil
}

func (r Resolver) AvatarFile(username string) (string, error) {
	dir, err := r.UserDir(username)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AvatarFileName), nil
}

func (r Resolver) ArticlesDir(username string) (string, error) {
	dir, err := r.UserDir(username)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ArticlesDirName), nil
}

func (r Resolver) NovelDir(username, title string) (string, error) {
	articles, err := r.ArticlesDir(username)
	if err != nil {
		return "", err
	}
	if err := ValidateKey("title", title); err != nil {
		return "", err
	}
	return filepath.Join(articles, title), nil
}

func (r Resolver) MetadataFile(username, title string) (string, error) {
	dir, err := r.NovelDir(username, title)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, MetadataFileName), nil
}

func (r Resolver) ChapterFile(username, title string, number int) (string, error) {
	dir, err := r.NovelDir(username, title)
	if err != nil {
		return "", err
	}
	if number < 1 {
		return "", &KeyError{Kind: "chapter number", Value: strconv.Itoa(number)}
	}
	return filepath.Join(dir, ChapterFileName(number)), nil
}

func (r Resolver) CoverFile(username, title string) (string, error) {
	dir, err := r.NovelDir(username, title)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, CoverFileName), nil
}

// LockFile returns the advisory lock path for a novel key. Lock files sit
// outside the users tree so they never show up as novel content.
func (r Resolver) LockFile(username, title string) (string, error) {
	if err := ValidateKey("username", username); err != nil {
		return "", err
	}
	if err := ValidateKey("title", title); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(username + "\x00" + title))
	return filepath.Join(r.LocksDir(), hex.EncodeToString(sum[:])+".lock"), nil
}

func ChapterFileName(number int) string {
	return chapterPrefix + strconv.Itoa(number) + chapterSuffix
}

// ParseChapterFileName reports the chapter number encoded in a
// chapter_{n}.json file name.
func ParseChapterFileName(name string) (int, bool) {
	if !IsChapterFileName(name) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, chapterPrefix), chapterSuffix)
	number, err := strconv.Atoi(raw)
	if err != nil || number < 1 {
		return 0, false
	}
	return number, true
}

// IsChapterFileName matches the chapter_*.json glob.
func IsChapterFileName(name string) bool {
	return strings.HasPrefix(name, chapterPrefix) && strings.HasSuffix(name, chapterSuffix) &&
		len(name) > len(chapterPrefix)+len(chapterSuffix)
}
