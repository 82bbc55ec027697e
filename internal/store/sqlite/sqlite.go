// Package sqlite is the embedded document store. Each record is a row keyed by
// its natural key; list-shaped fields are kept as JSON documents.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/codehive/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Database struct {
	db  *sql.DB
	log *slog.Logger
}

var _ store.Store = (*Database)(nil)

func New(ctx context.Context, dbPath string, log *slog.Logger) (*Database, error) {
	if log == nil {
		log = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writers; read-modify-write transactions
	// would otherwise race for the write lock.
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database initialized", "path", dbPath)
	return &Database{db: db, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, dir)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Team operations

func (d *Database) CreateTeam(ctx context.Context, team *store.Team) error {
	members, err := json.Marshal(nonNil(team.Members))
	if err != nil {
		return err
	}
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now().UTC()
	}

	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO teams (project_name, members, created_at) VALUES (?, ?, ?)",
		team.ProjectName, string(members), team.CreatedAt,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, store.ErrDuplicate)
}

func (d *Database) GetTeam(ctx context.Context, projectName string) (*store.Team, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT project_name, members, created_at FROM teams WHERE project_name = ?",
		projectName,
	)
	return scanTeam(row)
}

func (d *Database) FindTeamMember(ctx context.Context, projectName, usn string) (*store.Team, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT t.project_name, t.members, t.created_at
		FROM teams t, json_each(t.members) m
		WHERE t.project_name = ? AND m.value = ?
		LIMIT 1
	`, projectName, usn)
	return scanTeam(row)
}

func scanTeam(row *sql.Row) (*store.Team, error) {
	var team store.Team
	var members string
	err := row.Scan(&team.ProjectName, &members, &team.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &team.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return &team, nil
}

// Message operations

const messageColumns = "id, project_name, sender, filename, code, file_url, file_type, upload_id, deleted, created_at"

func (d *Database) InsertMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ProjectName, msg.Sender, msg.Filename, msg.Code, msg.FileURL, msg.FileType,
		msg.UploadID, msg.Deleted, msg.CreatedAt)
	return err
}

func (d *Database) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return msg, err
}

func (d *Database) ListMessages(ctx context.Context, projectName string) ([]store.Message, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE project_name = ? ORDER BY rowid ASC",
		projectName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]store.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (d *Database) SoftDeleteMessage(ctx context.Context, id, tombstone, filename string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE messages
		SET deleted = TRUE, code = ?, filename = ?, file_url = '', file_type = ''
		WHERE id = ?
	`, tombstone, filename, id)
	if err != nil {
		return err
	}
	return requireAffected(res, store.ErrNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*store.Message, error) {
	var m store.Message
	err := s.Scan(&m.ID, &m.ProjectName, &m.Sender, &m.Filename, &m.Code, &m.FileURL, &m.FileType,
		&m.UploadID, &m.Deleted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// File set operations

func (d *Database) GetFileSet(ctx context.Context, projectName, language string) (*store.FileSet, error) {
	return getFileSet(ctx, d.db, projectName, language)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getFileSet(ctx context.Context, q queryer, projectName, language string) (*store.FileSet, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		"SELECT files FROM file_sets WHERE project_name = ? AND language = ?",
		projectName, language,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	set := &store.FileSet{ProjectName: projectName, Language: language}
	if err := json.Unmarshal([]byte(raw), &set.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if set.Files == nil {
		set.Files = []store.SourceFile{}
	}
	return set, nil
}

func (d *Database) InsertFileSet(ctx context.Context, set *store.FileSet) error {
	files, err := json.Marshal(nonNil(set.Files))
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO file_sets (project_name, language, files) VALUES (?, ?, ?)",
		set.ProjectName, set.Language, string(files),
	)
	if err != nil {
		return err
	}
	return requireAffected(res, store.ErrDuplicate)
}

func (d *Database) SaveFiles(ctx context.Context, projectName, language string, files []store.SourceFile) error {
	return saveFiles(ctx, d.db, projectName, language, files)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveFiles(ctx context.Context, e execer, projectName, language string, files []store.SourceFile) error {
	raw, err := json.Marshal(nonNil(files))
	if err != nil {
		return err
	}

	res, err := e.ExecContext(ctx, `
		UPDATE file_sets SET files = ?, updated_at = CURRENT_TIMESTAMP
		WHERE project_name = ? AND language = ?
	`, string(raw), projectName, language)
	if err != nil {
		return err
	}
	return requireAffected(res, store.ErrNotFound)
}

func (d *Database) SetFileCode(ctx context.Context, projectName, language, filename, code string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	set, err := getFileSet(ctx, tx, projectName, language)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	i := set.Find(filename)
	if i < 0 {
		return false, nil
	}
	set.Files[i].Code = code

	if err := saveFiles(ctx, tx, projectName, language, set.Files); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Upload operations

func (d *Database) InsertUpload(ctx context.Context, upload *store.Upload) error {
	if upload.ID == "" {
		upload.ID = uuid.NewString()
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now().UTC()
	}
	upload.Size = int64(len(upload.Content))

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO uploads (id, project_name, sender, original_name, stored_name, content, mime_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, upload.ID, upload.ProjectName, upload.Sender, upload.OriginalName, upload.StoredName,
		upload.Content, upload.MimeType, upload.Size, upload.CreatedAt)
	return err
}

func (d *Database) GetUpload(ctx context.Context, id string) (*store.Upload, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, project_name, sender, original_name, stored_name, content, mime_type, size, created_at
		FROM uploads WHERE id = ?
	`, id)

	var u store.Upload
	err := row.Scan(&u.ID, &u.ProjectName, &u.Sender, &u.OriginalName, &u.StoredName,
		&u.Content, &u.MimeType, &u.Size, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Package operations

func (d *Database) EnsurePackages(ctx context.Context, projectName string, allowed map[string][]string) error {
	raw, err := json.Marshal(allowed)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO project_packages (project_name, allowed, installed) VALUES (?, ?, '{}')",
		projectName, string(raw),
	)
	return err
}

func (d *Database) AddInstalledPackage(ctx context.Context, projectName, language, pkg string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	packages, err := getPackages(ctx, tx, projectName)
	if err != nil {
		return err
	}

	for _, existing := range packages.Installed[language] {
		if existing == pkg {
			return tx.Commit()
		}
	}
	packages.Installed[language] = append(packages.Installed[language], pkg)

	raw, err := json.Marshal(packages.Installed)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE project_packages SET installed = ? WHERE project_name = ?",
		string(raw), projectName,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) GetPackages(ctx context.Context, projectName string) (*store.Packages, error) {
	return getPackages(ctx, d.db, projectName)
}

func getPackages(ctx context.Context, q queryer, projectName string) (*store.Packages, error) {
	var allowed, installed string
	err := q.QueryRowContext(ctx,
		"SELECT allowed, installed FROM project_packages WHERE project_name = ?",
		projectName,
	).Scan(&allowed, &installed)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p := &store.Packages{ProjectName: projectName}
	if err := json.Unmarshal([]byte(allowed), &p.Allowed); err != nil {
		return nil, fmt.Errorf("decode allowed packages: %w", err)
	}
	if err := json.Unmarshal([]byte(installed), &p.Installed); err != nil {
		return nil, fmt.Errorf("decode installed packages: %w", err)
	}
	if p.Installed == nil {
		p.Installed = make(map[string][]string)
	}
	return p, nil
}

// Stats

func (d *Database) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for key, table := range map[string]string{
		"team_count":     "teams",
		"message_count":  "messages",
		"file_set_count": "file_sets",
		"upload_count":   "uploads",
	} {
		var n int64
		if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, err
		}
		stats[key] = n
	}
	return stats, nil
}

func requireAffected(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNone
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
