// Package fileset maintains the ordered source files of each (project,
// language) pair. Mutations of one pair are serialized so a read-then-write
// sequence never interleaves with another on the same set.
package fileset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/manpreetbhatti/codehive/internal/language"
	"github.com/manpreetbhatti/codehive/internal/room"
	"github.com/manpreetbhatti/codehive/internal/store"
)

var (
	ErrMissingField = errors.New("missing project, language or filename")

	// ErrReservedLanguage rejects file sets named after the chat room
	ErrReservedLanguage = fmt.Errorf("language %q is reserved", room.ChatLanguage)
)

// CheckKey reports why key cannot name a file set, or nil when it can
func CheckKey(key room.Key) error {
	if !key.Valid() {
		return ErrMissingField
	}
	if key.IsChat() {
		return ErrReservedLanguage
	}
	return nil
}

// Result is the authoritative file list after an operation and whether the
// operation changed it
type Result struct {
	Files   []store.SourceFile
	Changed bool
}

type Manager struct {
	store store.FileSets
	locks *room.Locks
	log   *slog.Logger
}

func NewManager(s store.FileSets, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: s, locks: room.NewLocks(), log: log}
}

// GetOrCreate returns the file set for key, creating it from the language's
// starter files on first access
func (m *Manager) GetOrCreate(ctx context.Context, key room.Key) ([]store.SourceFile, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	set, err := m.getOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	return set.Files, nil
}

func (m *Manager) getOrCreate(ctx context.Context, key room.Key) (*store.FileSet, error) {
	set, err := m.store.GetFileSet(ctx, key.Project, key.Language)
	if err == nil {
		return set, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load file set %s: %w", key, err)
	}

	set = &store.FileSet{
		ProjectName: key.Project,
		Language:    key.Language,
		Files:       starterFiles(key.Language),
	}
	err = m.store.InsertFileSet(ctx, set)
	switch {
	case err == nil:
		m.log.Info("file set created", "room", key.String(), "files", len(set.Files))
		return set, nil
	case errors.Is(err, store.ErrDuplicate):
		// Created by another process sharing the store
		return m.store.GetFileSet(ctx, key.Project, key.Language)
	default:
		return nil, fmt.Errorf("create file set %s: %w", key, err)
	}
}

func starterFiles(lang string) []store.SourceFile {
	templates := language.DefaultFiles(lang)
	files := make([]store.SourceFile, len(templates))
	for i, t := range templates {
		files[i] = store.SourceFile{Filename: t.Filename, Code: t.Code}
	}
	return files
}

// CreateFile appends a file unless one with the same name exists
func (m *Manager) CreateFile(ctx context.Context, key room.Key, filename, code string) (Result, error) {
	if err := CheckKey(key); err != nil {
		return Result{}, err
	}
	if filename == "" {
		return Result{}, ErrMissingField
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	set, err := m.getOrCreate(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if set.Find(filename) >= 0 {
		return Result{Files: set.Files}, nil
	}

	files := append(cloneFiles(set.Files), store.SourceFile{Filename: filename, Code: code})
	if err := m.store.SaveFiles(ctx, key.Project, key.Language, files); err != nil {
		return Result{}, fmt.Errorf("create %s in %s: %w", filename, key, err)
	}
	return Result{Files: files, Changed: true}, nil
}

// DeleteFile removes the named file. Deleting a missing file, or from a
// missing set, is not an error.
func (m *Manager) DeleteFile(ctx context.Context, key room.Key, filename string) (Result, error) {
	if err := CheckKey(key); err != nil {
		return Result{}, err
	}
	if filename == "" {
		return Result{}, ErrMissingField
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	set, err := m.store.GetFileSet(ctx, key.Project, key.Language)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Files: []store.SourceFile{}}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load file set %s: %w", key, err)
	}

	idx := set.Find(filename)
	if idx < 0 {
		return Result{Files: set.Files}, nil
	}

	files := make([]store.SourceFile, 0, len(set.Files)-1)
	files = append(files, set.Files[:idx]...)
	files = append(files, set.Files[idx+1:]...)
	if err := m.store.SaveFiles(ctx, key.Project, key.Language, files); err != nil {
		return Result{}, fmt.Errorf("delete %s from %s: %w", filename, key, err)
	}
	return Result{Files: files, Changed: true}, nil
}

// RenameFile renames oldName in place, keeping its code and position. A
// missing oldName or a newName already in use leaves the set unchanged.
func (m *Manager) RenameFile(ctx context.Context, key room.Key, oldName, newName string) (Result, error) {
	if err := CheckKey(key); err != nil {
		return Result{}, err
	}
	if oldName == "" || newName == "" {
		return Result{}, ErrMissingField
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	set, err := m.store.GetFileSet(ctx, key.Project, key.Language)
	if err != nil {
		return Result{}, fmt.Errorf("load file set %s: %w", key, err)
	}

	idx := set.Find(oldName)
	if idx < 0 || set.Find(newName) >= 0 {
		return Result{Files: set.Files}, nil
	}

	files := cloneFiles(set.Files)
	files[idx].Filename = newName
	if err := m.store.SaveFiles(ctx, key.Project, key.Language, files); err != nil {
		return Result{}, fmt.Errorf("rename %s in %s: %w", oldName, key, err)
	}
	return Result{Files: files, Changed: true}, nil
}

// ReplaceFileContent sets the code of the named file and reports whether a
// file matched. It never creates a file.
func (m *Manager) ReplaceFileContent(ctx context.Context, key room.Key, filename, code string) (bool, error) {
	if err := CheckKey(key); err != nil {
		return false, err
	}
	if filename == "" {
		return false, ErrMissingField
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	matched, err := m.store.SetFileCode(ctx, key.Project, key.Language, filename, code)
	if err != nil {
		return false, fmt.Errorf("update %s in %s: %w", filename, key, err)
	}
	return matched, nil
}

func cloneFiles(files []store.SourceFile) []store.SourceFile {
	out := make([]store.SourceFile, len(files))
	copy(out, files)
	return out
}
