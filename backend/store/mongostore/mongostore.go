// Package mongostore keeps profile documents in a MongoDB collection and maps the
// list operations onto $addToSet, $push and $pull so each write is atomic per document.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store"
)

const DefaultCollection = "users"

type Options struct {
	Collection string
	Logger     *logger.Logger
}

type Store struct {
	coll *mongo.Collection
	log  *logger.Logger
}

var (
	_ matching.ProfileStore = (*Store)(nil)
	_ store.BatchReader     = (*Store)(nil)
)

// Connect opens a client and pings it, like the repository helpers it is modelled on.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(database), nil
}

func New(db *mongo.Database, opts Options) *Store {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Store{coll: db.Collection(opts.Collection), log: opts.Logger}
}

func (s *Store) ReadProfile(ctx context.Context, id matching.UserID) (*matching.UserProfile, error) {
	var doc profileDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, matching.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile %s: %w", id, err)
	}
	return doc.profile(), nil
}

// Put inserts or replaces a whole profile document.
func (s *Store) Put(ctx context.Context, p *matching.UserProfile) error {
	if p == nil || p.ID == "" {
		return matching.New(matching.CodeInvalidState, "profile id is required")
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": string(p.ID)}, fromProfile(p), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) WriteProfileFields(ctx context.Context, id matching.UserID, fields matching.Fields) error {
	updates, err := store.FieldUpdates(fields)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": string(id)}, bson.M{"$set": bson.M(updates)})
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return matching.ErrProfileNotFound
	}
	return nil
}

func (s *Store) AppendToList(ctx context.Context, id matching.UserID, list matching.ListName, value matching.ListValue) error {
	filter, update, err := appendUpdate(id, list, value)
	if err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("append to %s of %s: %w", list, id, err)
	}
	if res.MatchedCount == 0 {
		// Either the document is missing or the element is already there.
		return s.mustExist(ctx, id)
	}
	return nil
}

func (s *Store) RemoveFromList(ctx context.Context, id matching.UserID, list matching.ListName, key string) error {
	update, err := removeUpdate(list, key)
	if err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": string(id)}, update)
	if err != nil {
		return fmt.Errorf("remove from %s of %s: %w", list, id, err)
	}
	if res.MatchedCount == 0 {
		return matching.ErrProfileNotFound
	}
	return nil
}

func (s *Store) ListAllProfiles(ctx context.Context) ([]matching.UserProfile, error) {
	return s.find(ctx, bson.M{})
}

// ReadProfiles loads the documents among ids with a single $in query.
func (s *Store) ReadProfiles(ctx context.Context, ids []matching.UserID) (map[matching.UserID]*matching.UserProfile, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, string(id))
	}
	profiles, err := s.find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, err
	}
	out := make(map[matching.UserID]*matching.UserProfile, len(profiles))
	for i := range profiles {
		out[profiles[i].ID] = &profiles[i]
	}
	return out, nil
}

// Subscribe follows the document through a change stream. Change streams need a
// replica set or a sharded cluster.
func (s *Store) Subscribe(ctx context.Context, id matching.UserID, onChange func(matching.UserProfile)) (func(), error) {
	if _, err := s.ReadProfile(ctx, id); err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": string(id)}}}}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch profile %s: %w", id, err)
	}

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var evt struct {
				FullDocument *profileDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&evt); err != nil {
				s.log.WarnErr(ctx, "decode profile change", err)
				continue
			}
			if evt.FullDocument != nil {
				onChange(*evt.FullDocument.profile())
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.log.WarnErr(s.log.WithUserID(ctx, string(id)), "profile change stream ended", err)
		}
	}()
	return cancel, nil
}

// Transactional wraps s so the matching core runs swipes in multi-document
// transactions. The deployment must be a replica set.
func (s *Store) Transactional() *TxStore {
	return &TxStore{Store: s}
}

type TxStore struct {
	*Store
}

var _ matching.Transactor = (*TxStore)(nil)

// WithinTx runs fn in a session transaction. Operations join it through the
// session context handed to fn.
func (t *TxStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx matching.ProfileStore) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx, t.Store)
	}
	sess, err := t.coll.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, t.Store)
	})
	return err
}

func (s *Store) mustExist(ctx context.Context, id matching.UserID) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": string(id)}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("count profile %s: %w", id, err)
	}
	if n == 0 {
		return matching.ErrProfileNotFound
	}
	return nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]matching.UserProfile, error) {
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find profiles: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []profileDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	out := make([]matching.UserProfile, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].profile())
	}
	return out, nil
}

// appendUpdate builds a set-union update. Match records are unique by id, which
// $addToSet cannot express for sub-documents, so the filter excludes documents
// that already hold the id.
func appendUpdate(id matching.UserID, list matching.ListName, value matching.ListValue) (bson.M, bson.M, error) {
	switch list {
	case matching.ListRejectedUsers, matching.ListRightSwipes:
		uid, ok := value.(matching.UserID)
		if !ok {
			return nil, nil, matching.New(matching.CodeInvalidState, fmt.Sprintf("list %s holds user ids, got %T", list, value))
		}
		return bson.M{"_id": string(id)}, bson.M{"$addToSet": bson.M{string(list): string(uid)}}, nil
	case matching.ListMatches:
		m, ok := value.(matching.MatchRecord)
		if !ok {
			return nil, nil, matching.New(matching.CodeInvalidState, fmt.Sprintf("list %s holds match records, got %T", list, value))
		}
		filter := bson.M{"_id": string(id), "matches.id": bson.M{"$ne": m.ID}}
		return filter, bson.M{"$push": bson.M{"matches": fromMatch(m)}}, nil
	default:
		return nil, nil, matching.New(matching.CodeInvalidState, "unknown list "+string(list))
	}
}

func removeUpdate(list matching.ListName, key string) (bson.M, error) {
	switch list {
	case matching.ListRejectedUsers, matching.ListRightSwipes:
		return bson.M{"$pull": bson.M{string(list): key}}, nil
	case matching.ListMatches:
		return bson.M{"$pull": bson.M{"matches": bson.M{"id": key}}}, nil
	default:
		return nil, matching.New(matching.CodeInvalidState, "unknown list "+string(list))
	}
}
