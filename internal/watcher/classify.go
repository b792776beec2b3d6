package watcher

import (
	"path/filepath"
	"strings"

	"github.com/agentworkforce/novelsync/internal/paths"
	"github.com/agentworkforce/novelsync/internal/storage"
)

type Op int

const (
	OpAdd Op = iota + 1
	OpChange
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// RawEvent is a filesystem mutation with its path relative to the users
// directory.
type RawEvent struct {
	Path  string
	Op    Op
	IsDir bool
}

type Action int

const (
	ActionIgnore Action = iota
	ActionNovelDirAdded
	ActionNovelDirRemoved
	ActionChapterAdded
	ActionChapterChanged
	ActionChapterRemoved
	ActionCoverChanged
)

func (a Action) String() string {
	switch a {
	case ActionNovelDirAdded:
		return "novel_dir_added"
	case ActionNovelDirRemoved:
		return "novel_dir_removed"
	case ActionChapterAdded:
		return "chapter_added"
	case ActionChapterChanged:
		return "chapter_changed"
	case ActionChapterRemoved:
		return "chapter_removed"
	case ActionCoverChanged:
		return "cover_changed"
	}
	return "ignore"
}

type Classification struct {
	Action Action
	Key    storage.NovelKey
}

// Classify maps a raw event onto the novel it concerns. Rules are checked in
// order and the first match wins; anything unmatched is ActionIgnore.
func Classify(ev RawEvent) Classification {
	segments := splitRel(ev.Path)
	if segments == nil || hidden(segments) {
		return Classification{}
	}
	if len(segments) < 3 || segments[1] != paths.ArticlesDirName {
		return Classification{}
	}
	key := storage.NovelKey{Username: segments[0], Title: segments[2]}

	switch len(segments) {
	case 3:
		if !ev.IsDir {
			return Classification{}
		}
		switch ev.Op {
		case OpAdd:
			return Classification{Action: ActionNovelDirAdded, Key: key}
		case OpRemove:
			return Classification{Action: ActionNovelDirRemoved, Key: key}
		}
	case 4:
		if ev.IsDir {
			return Classification{}
		}
		name := segments[3]
		if paths.IsChapterFileName(name) {
			switch ev.Op {
			case OpAdd:
				return Classification{Action: ActionChapterAdded, Key: key}
			case OpChange:
				return Classification{Action: ActionChapterChanged, Key: key}
			case OpRemove:
				return Classification{Action: ActionChapterRemoved, Key: key}
			}
		}
		if name == paths.CoverFileName {
			return Classification{Action: ActionCoverChanged, Key: key}
		}
	}
	return Classification{}
}

func splitRel(rel string) []string {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" || strings.HasPrefix(rel, "../") || rel == ".." || strings.HasPrefix(rel, "/") {
		return nil
	}
	return strings.Split(rel, "/")
}

func hidden(segments []string) bool {
	for _, s := range segments {
		if strings.HasPrefix(s, ".") {
			return true
		}
	}
	return false
}

func depth(rel string) int {
	return len(splitRel(rel))
}
