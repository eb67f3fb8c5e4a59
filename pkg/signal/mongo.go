package signal

import (
	"context"
	"time"

	"peercall/pkg/log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores conversations in a collection shared with the chat application. Patches
// are "$set" updates on dotted call paths; subscriptions are change streams with full
// document lookup, which requires a replica set or sharded cluster.
type Mongo struct {
	cfg MongoConfig

	client        *mongo.Client
	conversations *mongo.Collection
	candidates    *mongo.Collection
}

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

const (
	mongoIDField        = "_id"
	mongoMembersField   = "members"
	mongoCallField      = "call"
	mongoActiveField    = "call.active"
	mongoInitiatorField = "call.initiator"
	mongoOfferField     = "call.offer"
	mongoAnswerField    = "call.answer"
	mongoStatusField    = "call.status"

	mongoConversationIDField = "conversation_id"
	mongoPeerIDField         = "peer_id"
	mongoCreatedAtField      = "created_at"

	mongoOperationInsert  = "insert"
	mongoOperationUpdate  = "update"
	mongoOperationReplace = "replace"
)

type mongoCall struct {
	Active    bool                `bson:"active"`
	Initiator string              `bson:"initiator"`
	Offer     *SessionDescription `bson:"offer,omitempty"`
	Answer    *SessionDescription `bson:"answer,omitempty"`
	Status    string              `bson:"status,omitempty"`
}

type mongoConversation struct {
	ID      string    `bson:"_id"`
	Members []string  `bson:"members"`
	Call    mongoCall `bson:"call"`
}

type mongoCandidate struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	PeerID         string    `bson:"peer_id"`
	CreatedAt      time.Time `bson:"created_at"`
	Candidate      Candidate `bson:"candidate"`
}

type mongoConversationEvent struct {
	FullDocument *mongoConversation `bson:"fullDocument"`
}

type mongoCandidateEvent struct {
	FullDocument mongoCandidate `bson:"fullDocument"`
}

func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Database == "" {
		cfg.Database = "chat"
	}

	opts := options.Client().ApplyURI(cfg.URI)

	if cfg.Timeout > 0 {
		opts.SetConnectTimeout(cfg.Timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}

	db := client.Database(cfg.Database)

	m := &Mongo{
		cfg:           cfg,
		client:        client,
		conversations: db.Collection("conversations"),
		candidates:    db.Collection("iceCandidates"),
	}

	_, err = m.candidates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: mongoConversationIDField, Value: 1},
			{Key: mongoPeerIDField, Value: 1},
			{Key: mongoCreatedAtField, Value: 1},
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)

		return nil, errors.Wrap(err, "mongo candidate index")
	}

	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// CreateConversation inserts a conversation with the given call record, for tooling.
func (m *Mongo) CreateConversation(ctx context.Context, conv Conversation) error {
	members := make([]string, len(conv.Members))
	for i, p := range conv.Members {
		members[i] = string(p)
	}

	_, err := m.conversations.UpdateOne(ctx,
		bson.D{{Key: mongoIDField, Value: conv.ID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: mongoMembersField, Value: members},
			{Key: mongoCallField, Value: toMongoCall(conv.Call)},
		}}},
		options.Update().SetUpsert(true),
	)

	return errors.Wrap(err, "mongo create conversation")
}

func (m *Mongo) Members(ctx context.Context, conversationID string) ([]PeerID, error) {
	conv, err := m.find(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	members := make([]PeerID, len(conv.Members))
	for i, p := range conv.Members {
		members[i] = PeerID(p)
	}

	return members, nil
}

func (m *Mongo) Read(ctx context.Context, conversationID string) (CallRecord, error) {
	conv, err := m.find(ctx, conversationID)
	if err != nil {
		return CallRecord{}, err
	}

	return fromMongoCall(conv.Call), nil
}

func (m *Mongo) Write(ctx context.Context, conversationID string, patch RecordPatch) error {
	var set bson.D

	if patch.Replace {
		set = bson.D{{Key: mongoCallField, Value: toMongoCall(patch.Apply(CallRecord{}))}}
	} else {
		set = mongoPatchSet(patch)
	}

	if len(set) == 0 {
		return nil
	}

	result, err := m.conversations.UpdateOne(ctx,
		bson.D{{Key: mongoIDField, Value: conversationID}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return errors.Wrap(err, "mongo write")
	}

	if result.MatchedCount == 0 {
		return errors.Wrap(ErrConversationNotFound, conversationID)
	}

	return nil
}

func (m *Mongo) Subscribe(ctx context.Context, conversationID string, fn RecordFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	// Need to watch before the first read to avoid missing a change in between.
	cs, err := m.conversations.Watch(subCtx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: conversationID},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{mongoOperationUpdate, mongoOperationReplace}}}},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()

		return nil, errors.Wrap(err, "mongo watch")
	}

	first, err := m.Read(subCtx, conversationID)
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())

		return nil, err
	}

	go func() {
		defer cs.Close(context.Background())

		fn(first, nil)

		for cs.Next(subCtx) {
			var event mongoConversationEvent

			if err := cs.Decode(&event); err != nil {
				fn(CallRecord{}, errors.Wrap(err, "decode change"))

				continue
			}

			// Full document lookup races with deletes; nothing to report then.
			if event.FullDocument == nil {
				continue
			}

			fn(fromMongoCall(event.FullDocument.Call), nil)
		}

		if subCtx.Err() == nil {
			err := cs.Err()
			if err == nil {
				err = ErrSubscriptionClosed
			}

			fn(CallRecord{}, errors.Wrap(err, "mongo change stream"))
		}
	}()

	return cancel, nil
}

func (m *Mongo) PublishCandidate(ctx context.Context, conversationID string, self PeerID, c Candidate) error {
	_, err := m.candidates.InsertOne(ctx, mongoCandidate{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		PeerID:         string(self),
		CreatedAt:      time.Now(),
		Candidate:      c,
	})

	return errors.Wrap(err, "mongo publish candidate")
}

// SubscribeToCandidates watches inserts only, so documents that existed before the
// stream was opened are never delivered.
func (m *Mongo) SubscribeToCandidates(ctx context.Context, conversationID string, peer PeerID, fn CandidateFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	cs, err := m.candidates.Watch(subCtx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: mongoOperationInsert},
			{Key: "fullDocument." + mongoConversationIDField, Value: conversationID},
			{Key: "fullDocument." + mongoPeerIDField, Value: string(peer)},
		}}},
	})
	if err != nil {
		cancel()

		return nil, errors.Wrap(err, "mongo watch candidates")
	}

	go func() {
		defer cs.Close(context.Background())

		for cs.Next(subCtx) {
			var event mongoCandidateEvent

			if err := cs.Decode(&event); err != nil {
				log.Conversation(conversationID).WithError(err).Warn("malformed candidate entry")

				continue
			}

			fn(event.FullDocument.Candidate)
		}

		if err := cs.Err(); err != nil && subCtx.Err() == nil {
			log.Conversation(conversationID).WithError(err).Warn("candidate change stream closed")
		}
	}()

	return cancel, nil
}

func (m *Mongo) ClearCandidates(ctx context.Context, conversationID string, peer PeerID) error {
	_, err := m.candidates.DeleteMany(ctx, bson.D{
		{Key: mongoConversationIDField, Value: conversationID},
		{Key: mongoPeerIDField, Value: string(peer)},
	})

	return errors.Wrap(err, "mongo clear candidates")
}

func (m *Mongo) find(ctx context.Context, conversationID string) (mongoConversation, error) {
	var conv mongoConversation

	err := m.conversations.FindOne(ctx,
		bson.D{{Key: mongoIDField, Value: conversationID}},
		options.FindOne().SetProjection(bson.D{
			{Key: mongoMembersField, Value: 1},
			{Key: mongoCallField, Value: 1},
		}),
	).Decode(&conv)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return conv, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	return conv, errors.Wrap(err, "mongo read")
}

func mongoPatchSet(p RecordPatch) bson.D {
	var set bson.D

	if p.Active != nil {
		set = append(set, bson.E{Key: mongoActiveField, Value: *p.Active})
	}

	if p.Initiator != nil {
		set = append(set, bson.E{Key: mongoInitiatorField, Value: string(*p.Initiator)})
	}

	if p.Offer != nil {
		set = append(set, bson.E{Key: mongoOfferField, Value: *p.Offer})
	}

	if p.Answer != nil {
		set = append(set, bson.E{Key: mongoAnswerField, Value: *p.Answer})
	}

	if p.Status != nil {
		set = append(set, bson.E{Key: mongoStatusField, Value: string(*p.Status)})
	}

	return set
}

func toMongoCall(rec CallRecord) mongoCall {
	return mongoCall{
		Active:    rec.Active,
		Initiator: string(rec.Initiator),
		Offer:     rec.Offer,
		Answer:    rec.Answer,
		Status:    string(rec.Status),
	}
}

func fromMongoCall(c mongoCall) CallRecord {
	return CallRecord{
		Active:    c.Active,
		Initiator: PeerID(c.Initiator),
		Offer:     c.Offer,
		Answer:    c.Answer,
		Status:    CallStatus(c.Status),
	}
}
