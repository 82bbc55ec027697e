// Package chat manages teams, the project chat log and its attachments.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/manpreetbhatti/codehive/internal/protocol"
	"github.com/manpreetbhatti/codehive/internal/store"
)

const (
	MinTeamSize = 4

	// Filename of a message without an attachment
	MessageOnly = "(message only)"

	// Content of a deleted message
	Tombstone = "(This message was deleted)"

	// UploadPath prefixes the download URL of an attachment
	UploadPath = "/api/uploads/"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrTeamTooSmall = fmt.Errorf("%w: at least %d members required", ErrInvalidInput, MinTeamSize)
	ErrProjectTaken = errors.New("project name already taken")
	ErrInvalidLogin = errors.New("invalid login")
	ErrNotAllowed   = errors.New("not allowed")
)

var textExtensions = map[string]bool{
	".txt": true, ".py": true, ".js": true, ".html": true, ".css": true, ".sql": true,
	".rb": true, ".md": true, ".java": true, ".c": true, ".cpp": true,
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Notifier delivers chat events to connections in a project's chat room
type Notifier interface {
	NotifyChat(project string, event protocol.Event, payload any) error
}

type Store interface {
	store.Teams
	store.Messages
	store.Uploads
}

type Service struct {
	store    Store
	notifier Notifier
	log      *slog.Logger
}

func NewService(s Store, n Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, notifier: n, log: log}
}

// RegisterTeam creates a team from the distinct non-blank identifiers in usns
func (s *Service) RegisterTeam(ctx context.Context, project string, usns []string) (*store.Team, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return nil, fmt.Errorf("%w: missing projectName", ErrInvalidInput)
	}

	members := make([]string, 0, len(usns))
	seen := make(map[string]bool)
	for _, u := range usns {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		members = append(members, u)
	}
	if len(members) < MinTeamSize {
		return nil, ErrTeamTooSmall
	}

	team := &store.Team{ProjectName: project, Members: members}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrProjectTaken
		}
		return nil, fmt.Errorf("create team: %w", err)
	}

	s.log.Info("team registered", "project", project, "members", len(members))
	return team, nil
}

// Login verifies that usn is a member of the project's team
func (s *Service) Login(ctx context.Context, project, usn string) (*store.Team, error) {
	team, err := s.store.FindTeamMember(ctx, strings.TrimSpace(project), strings.TrimSpace(usn))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidLogin
	}
	if err != nil {
		return nil, fmt.Errorf("find team member: %w", err)
	}
	return team, nil
}

func (s *Service) ListMessages(ctx context.Context, project string) ([]store.Message, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: missing projectName", ErrInvalidInput)
	}
	return s.store.ListMessages(ctx, project)
}

// Attachment is a file uploaded with a chat message
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type SendInput struct {
	ProjectName string
	Sender      string
	Text        string
	Attachment  *Attachment
}

// SendMessage stores a message, with its attachment if any, and announces
// it to the chat room
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*store.Message, error) {
	text := strings.TrimSpace(in.Text)
	if in.ProjectName == "" || in.Sender == "" {
		return nil, fmt.Errorf("%w: missing usn or projectName", ErrInvalidInput)
	}
	hasFile := in.Attachment != nil && in.Attachment.Filename != ""
	if text == "" && !hasFile {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	msg := &store.Message{
		ProjectName: in.ProjectName,
		Sender:      in.Sender,
		Filename:    MessageOnly,
		Code:        text,
	}

	if hasFile {
		a := in.Attachment
		name := SanitizeFilename(a.Filename)
		upload := &store.Upload{
			ProjectName:  in.ProjectName,
			Sender:       in.Sender,
			OriginalName: name,
			StoredName:   name,
			Content:      a.Content,
			MimeType:     DetectMimeType(name, a.ContentType, a.Content),
		}
		if err := s.store.InsertUpload(ctx, upload); err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}

		msg.Filename = name
		msg.FileURL = UploadPath + upload.ID
		msg.FileType = upload.MimeType
		msg.UploadID = upload.ID

		if textExtensions[strings.ToLower(filepath.Ext(name))] && utf8.Valid(a.Content) {
			msg.Code = string(a.Content)
		}
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.notify(msg.ProjectName, protocol.EventNewMessage, msg)
	return msg, nil
}

// ShareFile posts an editor file into the chat as a downloadable text attachment
func (s *Service) ShareFile(ctx context.Context, project, usn, filename, code string) (*store.Message, error) {
	if project == "" || usn == "" || filename == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrInvalidInput)
	}

	name := SanitizeFilename(filename)
	upload := &store.Upload{
		ProjectName:  project,
		Sender:       usn,
		OriginalName: name,
		StoredName:   name,
		Content:      []byte(code),
		MimeType:     "text/plain",
	}
	if err := s.store.InsertUpload(ctx, upload); err != nil {
		return nil, fmt.Errorf("store shared file: %w", err)
	}

	msg := &store.Message{
		ProjectName: project,
		Sender:      usn,
		Filename:    filename,
		Code:        code,
		FileURL:     UploadPath + upload.ID,
		FileType:    "text/plain",
		UploadID:    upload.ID,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.notify(project, protocol.EventNewMessage, msg)
	return msg, nil
}

// DeleteMessage soft-deletes a message on behalf of its sender. The content
// is replaced by a tombstone and cannot be restored.
func (s *Service) DeleteMessage(ctx context.Context, id, usn string) error {
	if id == "" || usn == "" {
		return fmt.Errorf("%w: missing parameters", ErrInvalidInput)
	}

	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.Sender != usn {
		return ErrNotAllowed
	}

	if err := s.store.SoftDeleteMessage(ctx, id, Tombstone, MessageOnly); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.notify(msg.ProjectName, protocol.EventMessageDeleted, protocol.MessageDeleted{ID: id})
	return nil
}

func (s *Service) GetUpload(ctx context.Context, id string) (*store.Upload, error) {
	return s.store.GetUpload(ctx, id)
}

func (s *Service) notify(project string, event protocol.Event, payload any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyChat(project, event, payload); err != nil {
		s.log.Error("chat notification failed", "project", project, "event", event, "error", err)
	}
}

// SanitizeFilename strips directories and replaces characters outside
// [A-Za-z0-9_.-] with underscores
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_"), "._")
	if name == "" {
		return "file"
	}
	return name
}

// DetectMimeType prefers the declared type, then the extension, then the content
func DetectMimeType(filename, declared string, content []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return mimetype.Detect(content).String()
}
