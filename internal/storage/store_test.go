package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ids ...string) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	var (
		mu   sync.Mutex
		next int
	)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	store, err := New(Options{
		Root:   t.TempDir(),
		Logger: logger,
		Now: func() time.Time {
			return clock.Add(time.Duration(tick.Add(1)) * time.Second)
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			next++
			if next <= len(ids) {
				return ids[next-1]
			}
			return fmt.Sprintf("id-%d", next)
		},
	})
	require.NoError(t, err)
	return store
}

func TestConcreteAliceScenario(t *testing.T) {
	store := newTestStore(t, "alice-id")

	_, err := store.CreateUser(UserInput{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)

	novel, err := store.CreateNovel("alice-id", NovelInput{
		Title:       "Test",
		Description: strings.Repeat("A", 20),
		Tags:        []string{"x"},
		Status:      StatusOngoing,
	})
	require.NoError(t, err)
	assert.Equal(t, []Chapter{}, novel.Chapters)
	assert.Equal(t, 0, novel.ChapterCount)
	assert.Equal(t, "alice", novel.Author)
	assert.Equal(t, "alice-id", novel.AuthorID)

	chapter, err := store.AddChapter("alice", "Test", ChapterInput{Title: "Ch1", Content: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, 1, chapter.ChapterNumber)
	assert.Equal(t, 11, chapter.WordCount)

	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Chapters, 1)
	assert.Equal(t, "hello world", got.Chapters[0].Content)
	assert.Equal(t, "Ch1", got.Chapters[0].Title)
	assert.Equal(t, 1, got.ChapterCount)
}

func TestCreateNovelThenGetMatchesInput(t *testing.T) {
	store := newTestStore(t, "bob-id")
	_, err := store.CreateUser(UserInput{Username: "bob"})
	require.NoError(t, err)

	_, err = store.CreateNovel("bob-id", NovelInput{
		Title:       "Another Title",
		Description: "desc",
		Tags:        []string{"fantasy", " Epic ", ""},
		Status:      StatusPaused,
	})
	require.NoError(t, err)

	got, err := store.GetNovel("bob", "Another Title")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Another Title", got.Title)
	assert.Equal(t, "desc", got.Description)
	assert.Equal(t, []string{"fantasy", " Epic ", ""}, got.Tags)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Empty(t, got.Chapters)

	entries, err := os.ReadDir(filepath.Join(store.UsersDir(), "bob", "articles"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directory must not be left behind")
}

func TestCreateNovelErrors(t *testing.T) {
	store := newTestStore(t, "alice-id")
	_, err := store.CreateUser(UserInput{Username: "alice"})
	require.NoError(t, err)

	_, err = store.CreateNovel("nobody", NovelInput{Title: "Test"})
	assert.True(t, errors.Is(err, ErrAuthorNotFound))

	_, err = store.CreateNovel("alice-id", NovelInput{Title: "Test"})
	require.NoError(t, err)
	_, err = store.CreateNovel("alice-id", NovelInput{Title: "Test"})
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	_, err = store.CreateNovel("alice-id", NovelInput{Title: "../escape"})
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = store.CreateNovel("alice-id", NovelInput{Title: "Other", Status: "abandoned"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestDefaultStatusIsOngoing(t *testing.T) {
	store := newTestStore(t, "alice-id")
	_, err := store.CreateUser(UserInput{Username: "alice"})
	require.NoError(t, err)
	novel, err := store.CreateNovel("alice-id", NovelInput{Title: "Test"})
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, novel.Status)
	assert.Equal(t, []string{}, novel.Tags)
}

func TestAddChapterNumbersInCallOrder(t *testing.T) {
	store := seededStore(t)
	for i := 1; i <= 5; i++ {
		chapter, err := store.AddChapter("alice", "Test", ChapterInput{
			Title:   fmt.Sprintf("Ch%d", i),
			Content: strings.Repeat("z", i),
		})
		require.NoError(t, err)
		assert.Equal(t, i, chapter.ChapterNumber)
	}
	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	require.Len(t, got.Chapters, 5)
	for i, chapter := range got.Chapters {
		assert.Equal(t, i+1, chapter.ChapterNumber)
		assert.Equal(t, fmt.Sprintf("Ch%d", i+1), chapter.Title)
	}
}

func TestAddChapterToMissingNovel(t *testing.T) {
	store := seededStore(t)
	_, err := store.AddChapter("alice", "Missing", ChapterInput{Content: "x"})
	assert.True(t, errors.Is(err, ErrNovelNotFound))
}

func TestConcurrentAddChapterYieldsUniqueNumbers(t *testing.T) {
	store := seededStore(t)
	const writers = 12
	var wg sync.WaitGroup
	numbers := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chapter, err := store.AddChapter("alice", "Test", ChapterInput{Content: fmt.Sprintf("body %d", i)})
			if assert.NoError(t, err) {
				numbers <- chapter.ChapterNumber
			}
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for n := range numbers {
		assert.False(t, seen[n], "duplicate chapter number %d", n)
		seen[n] = true
	}
	for n := 1; n <= writers; n++ {
		assert.True(t, seen[n], "missing chapter number %d", n)
	}
	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	assert.Equal(t, writers, got.ChapterCount)
}

func TestGetNovelMissingReturnsNil(t *testing.T) {
	store := seededStore(t)
	got, err := store.GetNovel("alice", "Nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.GetNovel("ghost", "Test")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNovelOnRegularFileReturnsNil(t *testing.T) {
	store := seededStore(t)
	dir, err := store.Paths().NovelDir("alice", "Loose")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir, []byte("not a novel"), 0o644))

	got, err := store.GetNovel("alice", "Loose")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteNovelIsIdempotent(t *testing.T) {
	store := seededStore(t)
	deleted, err := store.DeleteNovel("alice", "Test")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteNovel("alice", "Test")
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChapterContentRoundTrip(t *testing.T) {
	store := seededStore(t)
	content := "Ünïcödé line one\nline two — 終わり"
	chapter, err := store.AddChapter("alice", "Test", ChapterInput{Title: "Ch1", Content: content})
	require.NoError(t, err)
	assert.Equal(t, len([]rune(content)), chapter.WordCount)

	got, err := store.GetChapter("alice", "Test", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, len([]rune(content)), got.WordCount)
}

func TestGetNovelSkipsCorruptChapter(t *testing.T) {
	store := seededStore(t)
	for i := 0; i < 3; i++ {
		_, err := store.AddChapter("alice", "Test", ChapterInput{Content: "ok"})
		require.NoError(t, err)
	}
	chapterFile, err := store.Paths().ChapterFile("alice", "Test", 2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(chapterFile, []byte("{not json"), 0o644))

	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Chapters, 2)
	assert.Equal(t, 1, got.Chapters[0].ChapterNumber)
	assert.Equal(t, 3, got.Chapters[1].ChapterNumber)
	assert.Equal(t, 2, got.ChapterCount)
}

func TestCorruptMetadataIsTreatedAsMissing(t *testing.T) {
	store := seededStore(t)
	metaFile, err := store.Paths().MetadataFile("alice", "Test")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaFile, []byte(`{"title": 42}`), 0o644))

	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	assert.Nil(t, got)

	novels, err := store.GetAllNovels()
	require.NoError(t, err)
	assert.Empty(t, novels)
}

func TestListingsSkipFailuresAndSortByUpdatedAt(t *testing.T) {
	store := newTestStore(t, "alice-id", "bob-id")
	_, err := store.CreateUser(UserInput{Username: "alice"})
	require.NoError(t, err)
	_, err = store.CreateUser(UserInput{Username: "bob"})
	require.NoError(t, err)

	_, err = store.CreateNovel("alice-id", NovelInput{Title: "First"})
	require.NoError(t, err)
	_, err = store.CreateNovel("bob-id", NovelInput{Title: "Second"})
	require.NoError(t, err)
	_, err = store.CreateNovel("alice-id", NovelInput{Title: "Third"})
	require.NoError(t, err)
	_, err = store.AddChapter("alice", "First", ChapterInput{Content: "bump"})
	require.NoError(t, err)

	// A stray directory with no metadata must not break the listing.
	require.NoError(t, os.MkdirAll(filepath.Join(store.UsersDir(), "bob", "articles", "Broken"), 0o755))

	all, err := store.GetAllNovels()
	require.NoError(t, err)
	titles := make([]string, 0, len(all))
	for _, novel := range all {
		titles = append(titles, novel.Title)
	}
	assert.Equal(t, []string{"First", "Third", "Second"}, titles)

	mine, err := store.GetUserNovels("alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := store.GetUserNovels("ghost")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateNovelMergesFields(t *testing.T) {
	store := seededStore(t)
	desc := "new description"
	status := StatusCompleted
	got, err := store.UpdateNovel("alice", "Test", NovelUpdate{Description: &desc, Status: &status})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, []string{"x"}, got.Tags)

	missing, err := store.UpdateNovel("alice", "Nope", NovelUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Nil(t, missing)

	bad := NovelStatus("gone")
	_, err = store.UpdateNovel("alice", "Test", NovelUpdate{Status: &bad})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestUpdateAndDeleteChapter(t *testing.T) {
	store := seededStore(t)
	for i := 0; i < 3; i++ {
		_, err := store.AddChapter("alice", "Test", ChapterInput{Title: "Ch", Content: "abc"})
		require.NoError(t, err)
	}

	content := "rewritten"
	updated, err := store.UpdateChapter("alice", "Test", 2, ChapterUpdate{Content: &content})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, len(content), updated.WordCount)

	missing, err := store.UpdateChapter("alice", "Test", 9, ChapterUpdate{Content: &content})
	require.NoError(t, err)
	assert.Nil(t, missing)

	deleted, err := store.DeleteChapter("alice", "Test", 2)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.DeleteChapter("alice", "Test", 2)
	require.NoError(t, err)
	assert.False(t, deleted)

	next, err := store.AddChapter("alice", "Test", ChapterInput{Content: "tail"})
	require.NoError(t, err)
	assert.Equal(t, 4, next.ChapterNumber)

	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	numbers := []int{}
	for _, chapter := range got.Chapters {
		numbers = append(numbers, chapter.ChapterNumber)
	}
	assert.Equal(t, []int{1, 3, 4}, numbers)
}

func TestIncrementCountersAreBestEffort(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := seededStore(t)
	store.logger = logger

	store.IncrementViewCount("alice", "Test")
	store.IncrementViewCount("alice", "Test")
	store.IncrementLikeCount("alice", "Test")
	got, err := store.GetNovel("alice", "Test")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ViewCount)
	assert.Equal(t, 1, got.LikeCount)

	store.IncrementViewCount("alice", "Missing")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestSaveCoverAndAvatar(t *testing.T) {
	store := seededStore(t)
	require.NoError(t, store.SaveCover("alice", "Test", bytes.NewReader([]byte("png"))))
	coverFile, err := store.Paths().CoverFile("alice", "Test")
	require.NoError(t, err)
	data, err := os.ReadFile(coverFile)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	err = store.SaveCover("alice", "Missing", bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrNovelNotFound))

	require.NoError(t, store.SaveAvatar("alice", bytes.NewReader([]byte("face"))))
	err = store.SaveAvatar("ghost", bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t, "alice-id", "bob-id")
	alice, err := store.CreateUser(UserInput{Username: "alice", Email: " alice@example.com "})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", alice.Email)

	_, err = store.CreateUser(UserInput{Username: "alice"})
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	_, err = store.CreateUser(UserInput{Username: "bob"})
	require.NoError(t, err)

	byID, err := store.GetUserByID("bob-id")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "bob", byID.Username)

	email := "new@example.com"
	updated, err := store.UpdateUser("alice", UserUpdate{Email: &email})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, email, updated.Email)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	missing, err := store.UpdateUser("ghost", UserUpdate{Email: &email})
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A user directory with a corrupt record is skipped by listings.
	require.NoError(t, os.MkdirAll(filepath.Join(store.UsersDir(), "mallory"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.UsersDir(), "mallory", "user.json"), []byte("[]"), 0o644))
	users, err := store.GetAllUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)

	deleted, err := store.DeleteUser("alice")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.DeleteUser("alice")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestIOErrorMatchesSentinel(t *testing.T) {
	err := ioFailure("read", "/x", os.ErrPermission)
	assert.True(t, errors.Is(err, ErrIOFailure))
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.False(t, errors.Is(err, ErrParseFailure))
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	store := newTestStore(t, "alice-id")
	_, err := store.CreateUser(UserInput{Username: "alice"})
	require.NoError(t, err)
	_, err = store.CreateNovel("alice-id", NovelInput{
		Title:       "Test",
		Description: strings.Repeat("A", 20),
		Tags:        []string{"x"},
		Status:      StatusOngoing,
	})
	require.NoError(t, err)
	return store
}
