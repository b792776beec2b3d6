package storage

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/novelsync/internal/paths"
)

// CreateNovel writes a new novel with an empty chapter list. The directory is
// assembled under a hidden staging name and renamed into place, so the
// directory appears on disk already holding its metadata record.
func (s *Store) CreateNovel(authorID string, in NovelInput) (Novel, error) {
	author, err := s.GetUserByID(authorID)
	if err != nil {
		return Novel{}, err
	}
	if author == nil {
		return Novel{}, errors.Wrapf(ErrAuthorNotFound, "author %s", authorID)
	}
	novelDir, err := s.paths.NovelDir(author.Username, in.Title)
	if err != nil {
		return Novel{}, err
	}
	status := in.Status
	if status == "" {
		status = StatusOngoing
	}
	if !status.Valid() {
		return Novel{}, errors.Wrapf(ErrInvalidInput, "status %q", status)
	}

	unlock, err := s.lockNovel(author.Username, in.Title)
	if err != nil {
		return Novel{}, err
	}
	defer unlock()

	if _, err := os.Stat(novelDir); err == nil {
		return Novel{}, errors.Wrapf(ErrAlreadyExists, "novel %s/%s", author.Username, in.Title)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Novel{}, ioFailure("stat", novelDir, err)
	}
	articles := filepath.Dir(novelDir)
	if err := os.MkdirAll(articles, 0o755); err != nil {
		return Novel{}, ioFailure("mkdir", articles, err)
	}

	now := s.now()
	meta := NovelMetadata{
		Title:       in.Title,
		Author:      author.Username,
		AuthorID:    author.ID,
		Description: in.Description,
		Tags:        tagsOrEmpty(in.Tags),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
		Chapters:    []ChapterMetadata{},
	}

	staging, err := os.MkdirTemp(articles, ".novel.tmp-*")
	if err != nil {
		return Novel{}, ioFailure("mkdir", articles, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()
	if err := s.writeRecord(filepath.Join(staging, paths.MetadataFileName), meta); err != nil {
		return Novel{}, err
	}
	if err := os.Rename(staging, novelDir); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Novel{}, errors.Wrapf(ErrAlreadyExists, "novel %s/%s", author.Username, in.Title)
		}
		return Novel{}, ioFailure("rename", novelDir, err)
	}
	committed = true
	return joinNovel(meta, []Chapter{}), nil
}

// GetNovel joins the metadata record with its chapter records. It returns nil
// when the metadata record is absent or unparsable; chapters that fail to
// load are skipped.
func (s *Store) GetNovel(username, title string) (*Novel, error) {
	meta, err := s.readMetadata(username, title)
	if err != nil || meta == nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{"username": username, "title": title})
	chapters := make([]Chapter, 0, len(meta.Chapters))
	for _, entry := range meta.Chapters {
		record, err := s.readChapter(username, title, entry.ChapterNumber)
		if err != nil {
			log.WithError(err).WithField("chapter", entry.ChapterNumber).Warn("skipping unreadable chapter")
			continue
		}
		if record == nil {
			log.WithField("chapter", entry.ChapterNumber).Warn("skipping missing chapter record")
			continue
		}
		chapters = append(chapters, Chapter{
			ID:            entry.ID,
			Title:         record.Title,
			Content:       record.Content,
			ChapterNumber: entry.ChapterNumber,
			WordCount:     entry.WordCount,
			CreatedAt:     entry.CreatedAt,
			UpdatedAt:     entry.UpdatedAt,
		})
	}
	novel := joinNovel(*meta, chapters)
	return &novel, nil
}

func (s *Store) GetUserNovels(username string) ([]Novel, error) {
	articles, err := s.paths.ArticlesDir(username)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(articles)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Novel{}, nil
		}
		return nil, ioFailure("readdir", articles, err)
	}
	novels := make([]Novel, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		novel, err := s.GetNovel(username, entry.Name())
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"username": username, "title": entry.Name()}).Warn("skipping unreadable novel")
			continue
		}
		if novel == nil {
			continue
		}
		novels = append(novels, *novel)
	}
	sortNovels(novels)
	return novels, nil
}

func (s *Store) GetAllNovels() ([]Novel, error) {
	entries, err := os.ReadDir(s.paths.UsersDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Novel{}, nil
		}
		return nil, ioFailure("readdir", s.paths.UsersDir(), err)
	}
	novels := []Novel{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		userNovels, err := s.GetUserNovels(entry.Name())
		if err != nil {
			s.logger.WithError(err).WithField("username", entry.Name()).Warn("skipping novels of unreadable user")
			continue
		}
		novels = append(novels, userNovels...)
	}
	sortNovels(novels)
	return novels, nil
}

// AddChapter appends a chapter: the chapter record is written first, then the
// metadata record that lists it.
func (s *Store) AddChapter(username, title string, in ChapterInput) (Chapter, error) {
	unlock, err := s.lockNovel(username, title)
	if err != nil {
		return Chapter{}, err
	}
	defer unlock()

	meta, err := s.readMetadata(username, title)
	if err != nil {
		return Chapter{}, err
	}
	if meta == nil {
		return Chapter{}, errors.Wrapf(ErrNovelNotFound, "novel %s/%s", username, title)
	}
	next := 1
	for _, entry := range meta.Chapters {
		if entry.ChapterNumber >= next {
			next = entry.ChapterNumber + 1
		}
	}
	now := s.now()
	chapter := Chapter{
		ID:            s.newID(),
		Title:         in.Title,
		Content:       in.Content,
		ChapterNumber: next,
		WordCount:     utf8.RuneCountInString(in.Content),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	chapterFile, err := s.paths.ChapterFile(username, title, next)
	if err != nil {
		return Chapter{}, err
	}
	if err := s.writeRecord(chapterFile, chapter); err != nil {
		return Chapter{}, err
	}
	meta.Chapters = append(meta.Chapters, chapterMetadata(chapter))
	meta.UpdatedAt = now
	if err := s.writeMetadata(username, title, meta); err != nil {
		return Chapter{}, err
	}
	return chapter, nil
}

func (s *Store) GetChapter(username, title string, number int) (*Chapter, error) {
	record, err := s.readChapter(username, title, number)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			s.logger.WithError(err).WithFields(logrus.Fields{"username": username, "title": title, "chapter": number}).Warn("skipping malformed chapter")
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// UpdateChapter rewrites one chapter and its metadata entry. It returns nil
// when the chapter does not exist.
func (s *Store) UpdateChapter(username, title string, number int, update ChapterUpdate) (*Chapter, error) {
	unlock, err := s.lockNovel(username, title)
	if err != nil {
		return nil, err
	}
	defer unlock()

	meta, err := s.readMetadata(username, title)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errors.Wrapf(ErrNovelNotFound, "novel %s/%s", username, title)
	}
	idx := chapterIndex(meta.Chapters, number)
	if idx < 0 {
		return nil, nil
	}
	record, err := s.readChapter(username, title, number)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if update.Title != nil {
		record.Title = *update.Title
	}
	if update.Content != nil {
		record.Content = *update.Content
		record.WordCount = utf8.RuneCountInString(record.Content)
	}
	now := s.now()
	record.UpdatedAt = now
	chapterFile, err := s.paths.ChapterFile(username, title, number)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(chapterFile, record); err != nil {
		return nil, err
	}
	meta.Chapters[idx] = chapterMetadata(*record)
	meta.UpdatedAt = now
	if err := s.writeMetadata(username, title, meta); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteChapter removes a chapter record and its metadata entry. Remaining
// chapters keep their numbers.
func (s *Store) DeleteChapter(username, title string, number int) (bool, error) {
	unlock, err := s.lockNovel(username, title)
	if err != nil {
		return false, err
	}
	defer unlock()

	meta, err := s.readMetadata(username, title)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, errors.Wrapf(ErrNovelNotFound, "novel %s/%s", username, title)
	}
	idx := chapterIndex(meta.Chapters, number)
	if idx < 0 {
		return false, nil
	}
	meta.Chapters = append(meta.Chapters[:idx], meta.Chapters[idx+1:]...)
	meta.UpdatedAt = s.now()
	if err := s.writeMetadata(username, title, meta); err != nil {
		return false, err
	}
	chapterFile, err := s.paths.ChapterFile(username, title, number)
	if err != nil {
		return false, err
	}
	if err := os.Remove(chapterFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, ioFailure("remove", chapterFile, err)
	}
	return true, nil
}

// UpdateNovel merges the provided fields into the metadata record and returns
// the reloaded novel, or nil when the novel does not exist.
func (s *Store) UpdateNovel(username, title string, update NovelUpdate) (*Novel, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "status %q", *update.Status)
	}
	if err := s.mutateMetadata(username, title, func(meta *NovelMetadata) {
		if update.Description != nil {
			meta.Description = *update.Description
		}
		if update.Tags != nil {
			meta.Tags = tagsOrEmpty(*update.Tags)
		}
		if update.Status != nil {
			meta.Status = *update.Status
		}
		meta.UpdatedAt = s.now()
	}); err != nil {
		if errors.Is(err, ErrNovelNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetNovel(username, title)
}

// DeleteNovel removes the novel directory. It reports false, not an error,
// when the novel is already gone.
func (s *Store) DeleteNovel(username, title string) (bool, error) {
	novelDir, err := s.paths.NovelDir(username, title)
	if err != nil {
		return false, err
	}
	unlock, err := s.lockNovel(username, title)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := os.Stat(novelDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, ioFailure("stat", novelDir, err)
	}
	if err := os.RemoveAll(novelDir); err != nil {
		return false, ioFailure("remove", novelDir, err)
	}
	return true, nil
}

// IncrementViewCount is best-effort: failures are logged, never returned.
func (s *Store) IncrementViewCount(username, title string) {
	s.bumpCounter(username, title, "view", func(meta *NovelMetadata) { meta.ViewCount++ })
}

func (s *Store) IncrementLikeCount(username, title string) {
	s.bumpCounter(username, title, "like", func(meta *NovelMetadata) { meta.LikeCount++ })
}

func (s *Store) bumpCounter(username, title, counter string, apply func(*NovelMetadata)) {
	if err := s.mutateMetadata(username, title, apply); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"username": username,
			"title":    title,
			"counter":  counter,
		}).Warn("failed to increment counter")
	}
}

func (s *Store) SaveCover(username, title string, src io.Reader) error {
	coverFile, err := s.paths.CoverFile(username, title)
	if err != nil {
		return err
	}
	unlock, err := s.lockNovel(username, title)
	if err != nil {
		return err
	}
	defer unlock()

	meta, err := s.readMetadata(username, title)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.Wrapf(ErrNovelNotFound, "novel %s/%s", username, title)
	}
	return s.writeBlob(coverFile, src)
}

func (s *Store) SaveAvatar(username string, src io.Reader) error {
	avatarFile, err := s.paths.AvatarFile(username)
	if err != nil {
		return err
	}
	user, err := s.GetUserByUsername(username)
	if err != nil {
		return err
	}
	if user == nil {
		return errors.Wrapf(ErrUserNotFound, "user %s", username)
	}
	return s.writeBlob(avatarFile, src)
}

func (s *Store) mutateMetadata(username, title string, apply func(*NovelMetadata)) error {
	unlock, err := s.lockNovel(username, title)
	if err != nil {
		return err
	}
	defer unlock()

	meta, err := s.readMetadata(username, title)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.Wrapf(ErrNovelNotFound, "novel %s/%s", username, title)
	}
	apply(meta)
	return s.writeMetadata(username, title, meta)
}

// readMetadata returns nil for a missing or corrupt record.
func (s *Store) readMetadata(username, title string) (*NovelMetadata, error) {
	metaFile, err := s.paths.MetadataFile(username, title)
	if err != nil {
		return nil, err
	}
	var meta NovelMetadata
	found, err := s.readRecord(recordMetadata, metaFile, &meta)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			s.logger.WithError(err).WithFields(logrus.Fields{"username": username, "title": title}).Warn("ignoring malformed metadata record")
			return nil, nil
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}
	sort.SliceStable(meta.Chapters, func(i, j int) bool {
		return meta.Chapters[i].ChapterNumber < meta.Chapters[j].ChapterNumber
	})
	return &meta, nil
}

func (s *Store) writeMetadata(username, title string, meta *NovelMetadata) error {
	metaFile, err := s.paths.MetadataFile(username, title)
	if err != nil {
		return err
	}
	meta.Tags = tagsOrEmpty(meta.Tags)
	if meta.Chapters == nil {
		meta.Chapters = []ChapterMetadata{}
	}
	return s.writeRecord(metaFile, meta)
}

func (s *Store) readChapter(username, title string, number int) (*Chapter, error) {
	chapterFile, err := s.paths.ChapterFile(username, title, number)
	if err != nil {
		return nil, err
	}
	var chapter Chapter
	found, err := s.readRecord(recordChapter, chapterFile, &chapter)
	if err != nil || !found {
		return nil, err
	}
	return &chapter, nil
}

func joinNovel(meta NovelMetadata, chapters []Chapter) Novel {
	return Novel{
		Title:        meta.Title,
		Author:       meta.Author,
		AuthorID:     meta.AuthorID,
		Description:  meta.Description,
		Tags:         tagsOrEmpty(meta.Tags),
		Status:       meta.Status,
		ViewCount:    meta.ViewCount,
		LikeCount:    meta.LikeCount,
		ChapterCount: len(chapters),
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    meta.UpdatedAt,
		Chapters:     chapters,
	}
}

func chapterMetadata(c Chapter) ChapterMetadata {
	return ChapterMetadata{
		ID:            c.ID,
		Title:         c.Title,
		ChapterNumber: c.ChapterNumber,
		WordCount:     c.WordCount,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func chapterIndex(entries []ChapterMetadata, number int) int {
	for i, entry := range entries {
		if entry.ChapterNumber == number {
			return i
		}
	}
	return -1
}

// tagsOrEmpty keeps tags exactly as given; only a nil list becomes empty.
func tagsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func sortNovels(novels []Novel) {
	sort.SliceStable(novels, func(i, j int) bool {
		if !novels[i].UpdatedAt.Equal(novels[j].UpdatedAt) {
			return novels[i].UpdatedAt.After(novels[j].UpdatedAt)
		}
		return novels[i].Key().String() < novels[j].Key().String()
	})
}
