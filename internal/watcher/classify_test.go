package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentworkforce/novelsync/internal/storage"
)

func TestClassify(t *testing.T) {
	key := storage.NovelKey{Username: "alice", Title: "Test"}
	cases := []struct {
		name string
		raw  RawEvent
		want Classification
	}{
		{"novel dir added", RawEvent{Path: "alice/articles/Test", Op: OpAdd, IsDir: true}, Classification{ActionNovelDirAdded, key}},
		{"novel dir removed", RawEvent{Path: "alice/articles/Test", Op: OpRemove, IsDir: true}, Classification{ActionNovelDirRemoved, key}},
		{"chapter added", RawEvent{Path: "alice/articles/Test/chapter_1.json", Op: OpAdd}, Classification{ActionChapterAdded, key}},
		{"chapter changed", RawEvent{Path: "alice/articles/Test/chapter_12.json", Op: OpChange}, Classification{ActionChapterChanged, key}},
		{"chapter removed", RawEvent{Path: "alice/articles/Test/chapter_2.json", Op: OpRemove}, Classification{ActionChapterRemoved, key}},
		{"cover added", RawEvent{Path: "alice/articles/Test/cover.png", Op: OpAdd}, Classification{ActionCoverChanged, key}},
		{"cover removed", RawEvent{Path: "alice/articles/Test/cover.png", Op: OpRemove}, Classification{ActionCoverChanged, key}},

		{"metadata ignored", RawEvent{Path: "alice/articles/Test/metadata.json", Op: OpChange}, Classification{}},
		{"user record ignored", RawEvent{Path: "alice/user.json", Op: OpAdd}, Classification{}},
		{"articles dir ignored", RawEvent{Path: "alice/articles", Op: OpAdd, IsDir: true}, Classification{}},
		{"user dir ignored", RawEvent{Path: "alice", Op: OpAdd, IsDir: true}, Classification{}},
		{"dir change ignored", RawEvent{Path: "alice/articles/Test", Op: OpChange, IsDir: true}, Classification{}},
		{"file at novel depth ignored", RawEvent{Path: "alice/articles/Test", Op: OpAdd}, Classification{}},
		{"dotfile ignored", RawEvent{Path: "alice/articles/Test/.chapter_1.json.tmp-123", Op: OpAdd}, Classification{}},
		{"staging dir ignored", RawEvent{Path: "alice/articles/.novel.tmp-1", Op: OpAdd, IsDir: true}, Classification{}},
		{"wrong middle segment", RawEvent{Path: "alice/drafts/Test/chapter_1.json", Op: OpAdd}, Classification{}},
		{"too deep", RawEvent{Path: "alice/articles/Test/extra/chapter_1.json", Op: OpAdd}, Classification{}},
		{"escape ignored", RawEvent{Path: "../alice/articles/Test", Op: OpAdd, IsDir: true}, Classification{}},
		{"chapter dir ignored", RawEvent{Path: "alice/articles/Test/chapter_1.json", Op: OpAdd, IsDir: true}, Classification{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.raw))
		})
	}
}

func TestMerge(t *testing.T) {
	cases := []struct {
		prev, next, want pendingKind
	}{
		{pendingCreated, pendingUpdated, pendingCreated},
		{pendingUpdated, pendingCreated, pendingCreated},
		{pendingCreated, pendingChildRemoved, pendingCreated},
		{pendingUpdated, pendingChildRemoved, pendingChildRemoved},
		{pendingCreated, pendingDeleted, pendingDeleted},
		{pendingChildRemoved, pendingDeleted, pendingDeleted},
		{pendingDeleted, pendingUpdated, pendingDeleted},
		{pendingDeleted, pendingChildRemoved, pendingDeleted},
		{pendingDeleted, pendingCreated, pendingCreated},
		{pendingUpdated, pendingUpdated, pendingUpdated},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, merge(tc.prev, tc.next), "%s + %s", tc.prev, tc.next)
	}
}

func TestPendingFor(t *testing.T) {
	assert.Equal(t, pendingCreated, pendingFor(ActionNovelDirAdded))
	assert.Equal(t, pendingCreated, pendingFor(ActionChapterAdded))
	assert.Equal(t, pendingUpdated, pendingFor(ActionChapterChanged))
	assert.Equal(t, pendingChildRemoved, pendingFor(ActionChapterRemoved))
	assert.Equal(t, pendingDeleted, pendingFor(ActionNovelDirRemoved))
}
