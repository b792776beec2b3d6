// Package storage persists users, novels and chapters directly on the
// filesystem. Each novel is a directory holding a metadata record plus one
// record per chapter; there is no database engine and no index.
//
// Enumerations favor availability over completeness: a record that is
// missing or corrupt is logged and skipped, and the rest of the listing is
// returned. Single-record mutations surface their failures to the caller.
package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/novelsync/internal/paths"
)

type Options struct {
	Root   string
	Logger logrus.FieldLogger
	// Now and NewID default to UTC wall time and random UUIDs.
	Now   func() time.Time
	NewID func() string
	// DisableFileLocks keeps per-novel serialization in-process only.
	DisableFileLocks bool
}

type Store struct {
	paths   paths.Resolver
	logger  logrus.FieldLogger
	now     func() time.Time
	newID   func() string
	locks   *keyLocks
	schemas *recordSchemas
}

func New(opts Options) (*Store, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.Wrap(ErrInvalidInput, "storage root is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	schemas, err := compileRecordSchemas()
	if err != nil {
		return nil, err
	}
	resolver := paths.New(root)
	if err := os.MkdirAll(resolver.UsersDir(), 0o755); err != nil {
		return nil, ioFailure("mkdir", resolver.UsersDir(), err)
	}
	return &Store{
		paths:   resolver,
		logger:  logger.WithField("component", "storage"),
		now:     now,
		newID:   newID,
		locks:   newKeyLocks(!opts.DisableFileLocks),
		schemas: schemas,
	}, nil
}

func (s *Store) Paths() paths.Resolver {
	return s.paths
}

// UsersDir is the tree the change watcher observes.
func (s *Store) UsersDir() string {
	return s.paths.UsersDir()
}

func (s *Store) lockUser(username string) (func(), error) {
	return s.locks.lock("user\x00"+username, "")
}

func (s *Store) lockNovel(username, title string) (func(), error) {
	lockPath, err := s.paths.LockFile(username, title)
	if err != nil {
		return nil, err
	}
	return s.locks.lock("novel\x00"+username+"\x00"+title, lockPath)
}

func (s *Store) CreateUser(in UserInput) (User, error) {
	userDir, err := s.paths.UserDir(in.Username)
	if err != nil {
		return User{}, err
	}
	unlock, err := s.lockUser(in.Username)
	if err != nil {
		return User{}, err
	}
	defer unlock()

	userFile := filepath.Join(userDir, paths.UserFileName)
	if _, err := os.Stat(userFile); err == nil {
		return User{}, errors.Wrapf(ErrAlreadyExists, "user %s", in.Username)
	} else if !errors.Is(err, os.ErrNotExist) {
		return User{}, ioFailure("stat", userFile, err)
	}
	articles := filepath.Join(userDir, paths.ArticlesDirName)
	if err := os.MkdirAll(articles, 0o755); err != nil {
		return User{}, ioFailure("mkdir", articles, err)
	}
	now := s.now()
	user := User{
		ID:           s.newID(),
		Username:     in.Username,
		Email:        strings.TrimSpace(in.Email),
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.writeRecord(userFile, user); err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserByUsername returns nil when the user record is absent or corrupt.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	userFile, err := s.paths.UserFile(username)
	if err != nil {
		return nil, err
	}
	var user User
	found, err := s.readRecord(recordUser, userFile, &user)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			s.logger.WithError(err).WithField("username", username).Warn("skipping malformed user record")
			return nil, nil
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &user, nil
}

func (s *Store) GetUserByID(id string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	users, err := s.GetAllUsers()
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == id {
			return &users[i], nil
		}
	}
	return nil, nil
}

// GetAllUsers lists every user directory, skipping directories whose
// user.json is missing or malformed.
func (s *Store) GetAllUsers() ([]User, error) {
	entries, err := os.ReadDir(s.paths.UsersDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []User{}, nil
		}
		return nil, ioFailure("readdir", s.paths.UsersDir(), err)
	}
	users := make([]User, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		user, err := s.GetUserByUsername(entry.Name())
		if err != nil {
			s.logger.WithError(err).WithField("username", entry.Name()).Warn("skipping unreadable user")
			continue
		}
		if user == nil {
			continue
		}
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUser(username string, update UserUpdate) (*User, error) {
	userFile, err := s.paths.UserFile(username)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockUser(username)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var user User
	found, err := s.readRecord(recordUser, userFile, &user)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if update.Email != nil {
		user.Email = strings.TrimSpace(*update.Email)
	}
	if update.PasswordHash != nil {
		user.PasswordHash = *update.PasswordHash
	}
	user.UpdatedAt = s.now()
	if err := s.writeRecord(userFile, user); err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteUser removes the user directory and every novel beneath it.
func (s *Store) DeleteUser(username string) (bool, error) {
	userDir, err := s.paths.UserDir(username)
	if err != nil {
		return false, err
	}
	unlock, err := s.lockUser(username)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := os.Stat(userDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, ioFailure("stat", userDir, err)
	}
	if err := os.RemoveAll(userDir); err != nil {
		return false, ioFailure("remove", userDir, err)
	}
	return true, nil
}
