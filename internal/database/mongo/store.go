// Package mongo stores chat messages in a MongoDB collection. Accounts and
// conversations stay in the relational store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/chatline/internal/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messageCollection = "messages"

// Connect opens a client for uri and verifies it with a ping.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return client.Database(dbName), nil
}

type messageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID string             `bson:"conversation_id"`
	SenderID       string             `bson:"sender_id"`
	Content        string             `bson:"content"`
	ClientID       string             `bson:"client_id,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
	EditedAt       *time.Time         `bson:"edited_at,omitempty"`
}

func (d messageDoc) toModel() database.Message {
	return database.Message{
		Id:             d.ID.Hex(),
		ConversationId: d.ConversationID,
		SenderId:       d.SenderID,
		Content:        d.Content,
		ClientId:       d.ClientID,
		CreatedAt:      d.CreatedAt,
		EditedAt:       d.EditedAt,
	}
}

// MessageStore orders messages by ObjectID, which grows monotonically per
// process and by second across processes.
type MessageStore struct {
	coll *mongo.Collection
}

var _ database.MessageStore = (*MessageStore)(nil)

func NewMessageStore(ctx context.Context, db *mongo.Database) (*MessageStore, error) {
	coll := db.Collection(messageCollection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "_id", Value: -1}}},
		{
			Keys: bson.D{
				{Key: "sender_id", Value: 1},
				{Key: "conversation_id", Value: 1},
				{Key: "client_id", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &MessageStore{coll: coll}, nil
}

func (s *MessageStore) Disconnect(ctx context.Context) error {
	return s.coll.Database().Client().Disconnect(ctx)
}

func (s *MessageStore) CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error) {
	doc := messageDoc{
		ID:             primitive.NewObjectID(),
		ConversationID: params.ConversationId,
		SenderID:       params.SenderId,
		Content:        params.Content,
		ClientID:       params.ClientId,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return database.Message{}, database.ErrConflict
		}
		return database.Message{}, err
	}

	return doc.toModel(), nil
}

func (s *MessageStore) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (database.Message, error) {
	var doc messageDoc
	if err := s.coll.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return database.Message{}, database.ErrNotFound
		}
		return database.Message{}, err
	}
	return doc.toModel(), nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id string) (database.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return database.Message{}, database.ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": oid})
}

func (s *MessageStore) GetMessageByClientId(ctx context.Context, senderId, conversationId, clientId string) (database.Message, error) {
	return s.findOne(ctx, bson.M{
		"sender_id":       senderId,
		"conversation_id": conversationId,
		"client_id":       clientId,
	})
}

func (s *MessageStore) GetMessagesByIds(ctx context.Context, ids []string) ([]database.Message, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return []database.Message{}, nil
	}

	return s.find(ctx, bson.M{"_id": bson.M{"$in": oids}})
}

func (s *MessageStore) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]database.Message, error) {
	cursor, err := s.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]database.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (s *MessageStore) ListMessages(ctx context.Context, q database.MessageQuery) ([]database.Message, error) {
	filter := bson.M{"conversation_id": q.ConversationId}
	if q.Before != "" {
		oid, err := primitive.ObjectIDFromHex(q.Before)
		if err != nil {
			return []database.Message{}, nil
		}
		filter["_id"] = bson.M{"$lt": oid}
	}

	msgs, err := s.find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(q.Limit)))
	if err != nil {
		return nil, err
	}

	slices.Reverse(msgs)
	return msgs, nil
}

func (s *MessageStore) LatestMessage(ctx context.Context, conversationId string) (database.Message, error) {
	return s.findOne(ctx,
		bson.M{"conversation_id": conversationId},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
	)
}

func (s *MessageStore) UpdateMessageContent(ctx context.Context, id, content string) (database.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return database.Message{}, database.ErrNotFound
	}

	var doc messageDoc
	err = s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{
			"content":   content,
			"edited_at": time.Now().UTC().Truncate(time.Millisecond),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return database.Message{}, database.ErrNotFound
		}
		return database.Message{}, err
	}

	return doc.toModel(), nil
}

func (s *MessageStore) DeleteMessage(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return database.ErrNotFound
	}

	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *MessageStore) DeleteConversationMessages(ctx context.Context, conversationId string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationId})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MessageStore) CountMessages(ctx context.Context, conversationId string) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"conversation_id": conversationId})
}
