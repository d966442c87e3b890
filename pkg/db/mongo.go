package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const roomsCollection = "rooms"

// MongoRoomStore implements IRoomStore with one document per room
type MongoRoomStore struct {
	client *mongo.Client
	rooms  *mongo.Collection
}

// NewMongoRoomStore connects to uri and pings the server before returning
func NewMongoRoomStore(ctx context.Context, uri, database string) (*MongoRoomStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping mongo")
	}

	return &MongoRoomStore{
		client: client,
		rooms:  client.Database(database).Collection(roomsCollection),
	}, nil
}

func (s *MongoRoomStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	room := &Room{}
	err := s.rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(room)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "failed to load room")
	}
	return room, nil
}

func (s *MongoRoomStore) SaveRoom(ctx context.Context, room *Room) (*Room, error) {
	saved := room.Clone()
	now := time.Now()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	if saved.LastModified.IsZero() {
		saved.LastModified = now
	}
	for i := range saved.Files {
		if saved.Files[i].LastModified.IsZero() {
			saved.Files[i].LastModified = now
		}
	}

	_, err := s.rooms.ReplaceOne(ctx, bson.M{"_id": saved.ID}, saved, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to save room")
	}
	return saved, nil
}

func (s *MongoRoomStore) FindFile(ctx context.Context, roomID, fileID string) (*CodeFile, error) {
	var doc struct {
		Files []CodeFile `bson:"files"`
	}
	opts := options.FindOne().SetProjection(bson.M{
		"files": bson.M{"$elemMatch": bson.M{"fileId": fileID}},
	})
	err := s.rooms.FindOne(ctx, bson.M{"_id": roomID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "failed to find file")
	}
	if len(doc.Files) == 0 {
		return nil, ErrFileNotFound
	}
	return &doc.Files[0], nil
}

func (s *MongoRoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	res, err := s.rooms.DeleteOne(ctx, bson.M{"_id": roomID})
	if err != nil {
		return errors.Wrap(err, "failed to delete room")
	}
	if res.DeletedCount == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *MongoRoomStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ IRoomStore = (*MongoRoomStore)(nil)
