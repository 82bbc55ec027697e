// Package session routes realtime events between connections, the file set
// manager and the hub.
//
// Live edits are last-writer-wins: each code_update replaces the whole file
// and is relayed as-is. Two participants editing the same file concurrently
// can overwrite each other without either being told.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/manpreetbhatti/codehive/internal/fileset"
	"github.com/manpreetbhatti/codehive/internal/metrics"
	"github.com/manpreetbhatti/codehive/internal/protocol"
	"github.com/manpreetbhatti/codehive/internal/room"
	"github.com/manpreetbhatti/codehive/internal/store"
	"github.com/manpreetbhatti/codehive/internal/ws"
)

// Rooms is the part of the hub the service needs
type Rooms interface {
	Join(key room.Key, peer ws.Peer) bool
	LeaveRoom(key room.Key, peer ws.Peer) bool
	Broadcast(key room.Key, data []byte, exclude ws.Peer)
}

type Service struct {
	rooms   Rooms
	files   *fileset.Manager
	log     *slog.Logger
	metrics *metrics.Metrics
}

var _ ws.Handler = (*Service)(nil)

func NewService(rooms Rooms, files *fileset.Manager, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{rooms: rooms, files: files, log: log, metrics: m}
}

func (s *Service) HandleEvent(ctx context.Context, from ws.Peer, env protocol.Envelope) {
	var err error
	switch env.Event {
	case protocol.EventJoin:
		var p protocol.Join
		if err = env.Payload(&p); err == nil {
			err = s.Join(ctx, room.NewKey(p.ProjectName, p.Language), from)
		}
	case protocol.EventJoinChat:
		var p protocol.JoinChat
		if err = env.Payload(&p); err == nil {
			err = s.JoinChat(room.ChatKey(p.ProjectName), from)
		}
	case protocol.EventCodeUpdate:
		var p protocol.CodeUpdate
		if err = env.Payload(&p); err == nil {
			err = s.OnEdit(ctx, p, from)
		}
	case protocol.EventCreateFile:
		var p protocol.CreateFile
		if err = env.Payload(&p); err == nil {
			key := room.NewKey(p.ProjectName, p.Language)
			err = s.publishResult(key)(s.files.CreateFile(ctx, key, p.Filename, p.Code))
		}
	case protocol.EventDeleteFile:
		var p protocol.DeleteFile
		if err = env.Payload(&p); err == nil {
			key := room.NewKey(p.ProjectName, p.Language)
			err = s.publishResult(key)(s.files.DeleteFile(ctx, key, p.Filename))
		}
	case protocol.EventRenameFile:
		var p protocol.RenameFile
		if err = env.Payload(&p); err == nil {
			key := room.NewKey(p.ProjectName, p.Language)
			err = s.publishResult(key)(s.files.RenameFile(ctx, key, p.OldName, p.NewName))
		}
	default:
		err = errUnknownEvent
	}

	if err != nil {
		s.metrics.RealtimeEvent(string(env.Event), "error")
		s.log.Warn("realtime event failed", "event", env.Event, "client", from.ID(), "error", err)
		s.sendError(from, env.Event, err)
		return
	}
	s.metrics.RealtimeEvent(string(env.Event), "ok")
}

var errUnknownEvent = errors.New("unknown event")

// Join adds the peer to the editor room and sends it the current file set.
// Membership starts before the load so no edit made meanwhile is missed, and
// is withdrawn if the file set cannot be sent.
func (s *Service) Join(ctx context.Context, key room.Key, peer ws.Peer) error {
	if err := fileset.CheckKey(key); err != nil {
		return err
	}

	s.rooms.Join(key, peer)

	files, err := s.files.GetOrCreate(ctx, key)
	if err == nil {
		var frame []byte
		if frame, err = protocol.Encode(protocol.EventFileList, fileList(key, files)); err == nil {
			peer.Send(frame)
			return nil
		}
	}

	s.rooms.LeaveRoom(key, peer)
	return err
}

// JoinChat subscribes the peer to the project's chat events
func (s *Service) JoinChat(key room.Key, peer ws.Peer) error {
	if key.Project == "" {
		return fileset.ErrMissingField
	}
	s.rooms.Join(key, peer)
	return nil
}

// OnEdit persists the new content of a file and relays the edit to the rest
// of the room. The relay happens even when no file matched.
func (s *Service) OnEdit(ctx context.Context, update protocol.CodeUpdate, sender ws.Peer) error {
	key := room.NewKey(update.ProjectName, update.Language)

	matched, err := s.files.ReplaceFileContent(ctx, key, update.Filename, update.Code)
	if err != nil {
		return err
	}
	if !matched {
		s.log.Debug("code update for unknown file", "room", key.String(), "filename", update.Filename)
	}

	update.ProjectName = key.Project
	update.Language = key.Language
	frame, err := protocol.Encode(protocol.EventCodeUpdate, update)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(key, frame, sender)
	return nil
}

// publishResult broadcasts the file list of a create, delete or rename to the
// whole room, sender included, whether or not the set changed
func (s *Service) publishResult(key room.Key) func(fileset.Result, error) error {
	return func(res fileset.Result, err error) error {
		if err != nil {
			return err
		}
		frame, err := protocol.Encode(protocol.EventFileList, fileList(key, res.Files))
		if err != nil {
			return err
		}
		s.rooms.Broadcast(key, frame, nil)
		return nil
	}
}

// NotifyChat sends a chat event to every connection in the project's chat room
func (s *Service) NotifyChat(project string, event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(room.ChatKey(project), frame, nil)
	return nil
}

func (s *Service) sendError(peer ws.Peer, event protocol.Event, err error) {
	frame, encErr := protocol.Encode(protocol.EventError, protocol.Error{Event: event, Message: err.Error()})
	if encErr != nil {
		return
	}
	peer.Send(frame)
}

func fileList(key room.Key, files []store.SourceFile) protocol.FileList {
	if files == nil {
		files = []store.SourceFile{}
	}
	return protocol.FileList{Files: files, ProjectName: key.Project, Language: key.Language}
}
