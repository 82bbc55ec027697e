// Package mongo is the MongoDB document store, laid out as the collections
// teams, messages, files, uploads and project_packages.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/manpreetbhatti/codehive/internal/store"
)

const connectTimeout = 10 * time.Second

type Store struct {
	client   *mongo.Client
	teams    *mongo.Collection
	messages *mongo.Collection
	files    *mongo.Collection
	uploads  *mongo.Collection
	packages *mongo.Collection
	log      *slog.Logger
}

var _ store.Store = (*Store)(nil)

type teamDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	ProjectName string             `bson:"projectName"`
	Members     []string           `bson:"members"`
	CreatedAt   time.Time          `bson:"created_at"`
}

type messageDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Sender      string             `bson:"sender"`
	ProjectName string             `bson:"projectName"`
	Filename    string             `bson:"filename"`
	Code        string             `bson:"code"`
	FileURL     *string            `bson:"file_url"`
	FileType    *string            `bson:"file_type"`
	UploadID    *string            `bson:"file_db_id"`
	Deleted     bool               `bson:"deleted"`
	CreatedAt   time.Time          `bson:"created_at"`
}

type fileSetDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	ProjectName string             `bson:"projectName"`
	Language    string             `bson:"language"`
	Files       []store.SourceFile `bson:"files"`
}

type uploadDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	ProjectName  string             `bson:"projectName"`
	Sender       string             `bson:"sender"`
	OriginalName string             `bson:"original_name"`
	StoredName   string             `bson:"stored_name"`
	Content      []byte             `bson:"content"`
	MimeType     string             `bson:"mimetype"`
	Size         int64              `bson:"filesize"`
	CreatedAt    time.Time          `bson:"created_at"`
}

type packagesDoc struct {
	ProjectName string              `bson:"projectName"`
	Allowed     map[string][]string `bson:"allowed"`
	Installed   map[string][]string `bson:"installed"`
}

// New connects to uri, verifies the connection and ensures the unique
// indexes the store relies on.
func New(ctx context.Context, uri, database string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		teams:    db.Collection("teams"),
		messages: db.Collection("messages"),
		files:    db.Collection("files"),
		uploads:  db.Collection("uploads"),
		packages: db.Collection("project_packages"),
		log:      log,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info("mongo store connected", "database", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.teams, mongo.IndexModel{Keys: bson.D{{Key: "projectName", Value: 1}}, Options: unique}},
		{s.files, mongo.IndexModel{Keys: bson.D{{Key: "projectName", Value: 1}, {Key: "language", Value: 1}}, Options: unique}},
		{s.packages, mongo.IndexModel{Keys: bson.D{{Key: "projectName", Value: 1}}, Options: unique}},
		{s.messages, mongo.IndexModel{Keys: bson.D{{Key: "projectName", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Teams

func (s *Store) CreateTeam(ctx context.Context, team *store.Team) error {
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now().UTC()
	}
	_, err := s.teams.InsertOne(ctx, teamDoc{
		ProjectName: team.ProjectName,
		Members:     team.Members,
		CreatedAt:   team.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) GetTeam(ctx context.Context, projectName string) (*store.Team, error) {
	return s.findTeam(ctx, bson.M{"projectName": projectName})
}

func (s *Store) FindTeamMember(ctx context.Context, projectName, usn string) (*store.Team, error) {
	return s.findTeam(ctx, bson.M{"projectName": projectName, "members": usn})
}

func (s *Store) findTeam(ctx context.Context, filter bson.M) (*store.Team, error) {
	var doc teamDoc
	if err := s.teams.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return &store.Team{ProjectName: doc.ProjectName, Members: doc.Members, CreatedAt: doc.CreatedAt}, nil
}

// Messages

func (s *Store) InsertMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.messages.InsertOne(ctx, messageDoc{
		Sender:      msg.Sender,
		ProjectName: msg.ProjectName,
		Filename:    msg.Filename,
		Code:        msg.Code,
		FileURL:     optional(msg.FileURL),
		FileType:    optional(msg.FileType),
		UploadID:    optional(msg.UploadID),
		Deleted:     msg.Deleted,
		CreatedAt:   msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		msg.ID = oid.Hex()
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toMessage(), nil
}

func (s *Store) ListMessages(ctx context.Context, projectName string) ([]store.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"projectName": projectName},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	messages := make([]store.Message, 0)
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		messages = append(messages, *doc.toMessage())
	}
	return messages, cur.Err()
}

func (s *Store) SoftDeleteMessage(ctx context.Context, id, tombstone, filename string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrNotFound
	}

	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{
		"deleted":   true,
		"code":      tombstone,
		"filename":  filename,
		"file_url":  nil,
		"file_type": nil,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *messageDoc) toMessage() *store.Message {
	return &store.Message{
		ID:          d.ID.Hex(),
		ProjectName: d.ProjectName,
		Sender:      d.Sender,
		Filename:    d.Filename,
		Code:        d.Code,
		FileURL:     deref(d.FileURL),
		FileType:    deref(d.FileType),
		UploadID:    deref(d.UploadID),
		Deleted:     d.Deleted,
		CreatedAt:   d.CreatedAt,
	}
}

// File sets

func fileSetFilter(projectName, language string) bson.M {
	return bson.M{"projectName": projectName, "language": language}
}

func (s *Store) GetFileSet(ctx context.Context, projectName, language string) (*store.FileSet, error) {
	var doc fileSetDoc
	if err := s.files.FindOne(ctx, fileSetFilter(projectName, language)).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	files := doc.Files
	if files == nil {
		files = []store.SourceFile{}
	}
	return &store.FileSet{ProjectName: doc.ProjectName, Language: doc.Language, Files: files}, nil
}

func (s *Store) InsertFileSet(ctx context.Context, set *store.FileSet) error {
	files := set.Files
	if files == nil {
		files = []store.SourceFile{}
	}
	_, err := s.files.InsertOne(ctx, fileSetDoc{
		ProjectName: set.ProjectName,
		Language:    set.Language,
		Files:       files,
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) SaveFiles(ctx context.Context, projectName, language string, files []store.SourceFile) error {
	if files == nil {
		files = []store.SourceFile{}
	}
	res, err := s.files.UpdateOne(ctx, fileSetFilter(projectName, language),
		bson.M{"$set": bson.M{"files": files}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetFileCode(ctx context.Context, projectName, language, filename, code string) (bool, error) {
	filter := fileSetFilter(projectName, language)
	filter["files.filename"] = filename

	res, err := s.files.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"files.$.code": code}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// Uploads

func (s *Store) InsertUpload(ctx context.Context, upload *store.Upload) error {
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now().UTC()
	}
	upload.Size = int64(len(upload.Content))

	res, err := s.uploads.InsertOne(ctx, uploadDoc{
		ProjectName:  upload.ProjectName,
		Sender:       upload.Sender,
		OriginalName: upload.OriginalName,
		StoredName:   upload.StoredName,
		Content:      upload.Content,
		MimeType:     upload.MimeType,
		Size:         upload.Size,
		CreatedAt:    upload.CreatedAt,
	})
	if err != nil {
		return err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		upload.ID = oid.Hex()
	}
	return nil
}

func (s *Store) GetUpload(ctx context.Context, id string) (*store.Upload, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	var doc uploadDoc
	if err := s.uploads.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return &store.Upload{
		ID:           doc.ID.Hex(),
		ProjectName:  doc.ProjectName,
		Sender:       doc.Sender,
		OriginalName: doc.OriginalName,
		StoredName:   doc.StoredName,
		Content:      doc.Content,
		MimeType:     doc.MimeType,
		Size:         doc.Size,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

// Packages

func (s *Store) EnsurePackages(ctx context.Context, projectName string, allowed map[string][]string) error {
	_, err := s.packages.UpdateOne(ctx,
		bson.M{"projectName": projectName},
		bson.M{"$setOnInsert": bson.M{"allowed": allowed, "installed": bson.M{}}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Store) AddInstalledPackage(ctx context.Context, projectName, language, pkg string) error {
	res, err := s.packages.UpdateOne(ctx,
		bson.M{"projectName": projectName},
		bson.M{"$addToSet": bson.M{"installed." + language: pkg}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetPackages(ctx context.Context, projectName string) (*store.Packages, error) {
	var doc packagesDoc
	if err := s.packages.FindOne(ctx, bson.M{"projectName": projectName}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	if doc.Installed == nil {
		doc.Installed = make(map[string][]string)
	}
	return &store.Packages{ProjectName: doc.ProjectName, Allowed: doc.Allowed, Installed: doc.Installed}, nil
}

// Stats

func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for key, coll := range map[string]*mongo.Collection{
		"team_count":     s.teams,
		"message_count":  s.messages,
		"file_set_count": s.files,
		"upload_count":   s.uploads,
	} {
		n, err := coll.EstimatedDocumentCount(ctx)
		if err != nil {
			return nil, err
		}
		stats[key] = n
	}
	return stats, nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
