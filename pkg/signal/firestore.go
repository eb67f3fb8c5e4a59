package signal

import (
	"context"
	"time"

	"peercall/pkg/log"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore talks to the same Cloud Firestore database the chat application uses.
// Conversations are documents of the "conversations" collection with the call record in
// their "call" map; each peer's candidates are documents of
// conversations/{id}/iceCandidates/{peer}/entries.
type Firestore struct {
	cfg FirestoreConfig

	client *firestore.Client
}

type FirestoreConfig struct {
	ProjectID string

	// CredentialsFile or CredentialsJSON select a service account. With neither set the
	// application default credentials are used, and FIRESTORE_EMULATOR_HOST is honored.
	CredentialsFile string
	CredentialsJSON []byte
}

const (
	firestoreConversations = "conversations"
	firestoreCandidates    = "iceCandidates"
	firestoreEntries       = "entries"

	firestoreCallField      = "call"
	firestoreActiveField    = "call.active"
	firestoreInitiatorField = "call.initiator"
	firestoreOfferField     = "call.offer"
	firestoreAnswerField    = "call.answer"
	firestoreStatusField    = "call.status"
	firestoreCreatedAtField = "createdAt"
)

type firestoreCall struct {
	Active    bool                `firestore:"active"`
	Initiator string              `firestore:"initiator"`
	Offer     *SessionDescription `firestore:"offer,omitempty"`
	Answer    *SessionDescription `firestore:"answer,omitempty"`
	Status    string              `firestore:"status,omitempty"`
}

type firestoreConversation struct {
	Members []string      `firestore:"members"`
	Call    firestoreCall `firestore:"call"`
}

type firestoreCandidate struct {
	Candidate
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp"`
}

func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	var opts []option.ClientOption

	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "firebase app")
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "firestore client")
	}

	return &Firestore{
		cfg:    cfg,
		client: client,
	}, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

// CreateConversation stores a conversation with the given call record, for tooling.
func (f *Firestore) CreateConversation(ctx context.Context, conv Conversation) error {
	members := make([]string, len(conv.Members))
	for i, p := range conv.Members {
		members[i] = string(p)
	}

	_, err := f.conversation(conv.ID).Set(ctx, map[string]any{
		"members":          members,
		firestoreCallField: toFirestoreCall(conv.Call),
	}, firestore.MergeAll)

	return errors.Wrap(err, "firestore create conversation")
}

func (f *Firestore) Members(ctx context.Context, conversationID string) ([]PeerID, error) {
	conv, err := f.get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	members := make([]PeerID, len(conv.Members))
	for i, p := range conv.Members {
		members[i] = PeerID(p)
	}

	return members, nil
}

func (f *Firestore) Read(ctx context.Context, conversationID string) (CallRecord, error) {
	conv, err := f.get(ctx, conversationID)
	if err != nil {
		return CallRecord{}, err
	}

	return fromFirestoreCall(conv.Call), nil
}

func (f *Firestore) Write(ctx context.Context, conversationID string, patch RecordPatch) error {
	var updates []firestore.Update

	if patch.Replace {
		updates = []firestore.Update{{Path: firestoreCallField, Value: toFirestoreCall(patch.Apply(CallRecord{}))}}
	} else {
		updates = firestorePatchUpdates(patch)
	}

	if len(updates) == 0 {
		return nil
	}

	_, err := f.conversation(conversationID).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return errors.Wrap(ErrConversationNotFound, conversationID)
	}

	return errors.Wrap(err, "firestore write")
}

func (f *Firestore) Subscribe(ctx context.Context, conversationID string, fn RecordFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	it := f.conversation(conversationID).Snapshots(subCtx)

	first, err := it.Next()
	if err != nil {
		cancel()
		it.Stop()

		return nil, errors.Wrap(err, "firestore snapshot")
	}

	if !first.Exists() {
		cancel()
		it.Stop()

		return nil, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	go func() {
		defer it.Stop()

		snap := first

		for {
			rec, err := firestoreDecodeRecord(snap)
			fn(rec, err)

			snap, err = it.Next()
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, iterator.Done) {
					fn(CallRecord{}, errors.Wrap(err, "firestore snapshot"))
				}

				return
			}
		}
	}()

	return cancel, nil
}

func (f *Firestore) PublishCandidate(ctx context.Context, conversationID string, self PeerID, c Candidate) error {
	_, _, err := f.entries(conversationID, self).Add(ctx, firestoreCandidate{Candidate: c})

	return errors.Wrap(err, "firestore publish candidate")
}

// SubscribeToCandidates ignores the documents of the first query snapshot; they existed
// before the subscription. Afterwards only added documents are delivered.
func (f *Firestore) SubscribeToCandidates(ctx context.Context, conversationID string, peer PeerID, fn CandidateFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	it := f.entries(conversationID, peer).OrderBy(firestoreCreatedAtField, firestore.Asc).Snapshots(subCtx)

	if _, err := it.Next(); err != nil {
		cancel()
		it.Stop()

		return nil, errors.Wrap(err, "firestore candidates snapshot")
	}

	go func() {
		defer it.Stop()

		for {
			qs, err := it.Next()
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, iterator.Done) {
					log.Conversation(conversationID).WithError(err).Warn("candidate listener closed")
				}

				return
			}

			for _, change := range qs.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}

				var entry firestoreCandidate

				if err := change.Doc.DataTo(&entry); err != nil {
					log.Conversation(conversationID).WithError(err).Warn("malformed candidate entry")

					continue
				}

				fn(entry.Candidate)
			}
		}
	}()

	return cancel, nil
}

func (f *Firestore) ClearCandidates(ctx context.Context, conversationID string, peer PeerID) error {
	refs, err := f.entries(conversationID, peer).DocumentRefs(ctx).GetAll()
	if err != nil {
		return errors.Wrap(err, "firestore list candidates")
	}

	if len(refs) == 0 {
		return nil
	}

	bw := f.client.BulkWriter(ctx)

	for _, ref := range refs {
		if _, err := bw.Delete(ref); err != nil {
			bw.End()

			return errors.Wrap(err, "firestore clear candidates")
		}
	}

	bw.End()

	return nil
}

func (f *Firestore) conversation(id string) *firestore.DocumentRef {
	return f.client.Collection(firestoreConversations).Doc(id)
}

func (f *Firestore) entries(id string, peer PeerID) *firestore.CollectionRef {
	return f.conversation(id).Collection(firestoreCandidates).Doc(string(peer)).Collection(firestoreEntries)
}

func (f *Firestore) get(ctx context.Context, id string) (firestoreConversation, error) {
	var conv firestoreConversation

	snap, err := f.conversation(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return conv, errors.Wrap(ErrConversationNotFound, id)
	}

	if err != nil {
		return conv, errors.Wrap(err, "firestore read")
	}

	if err := snap.DataTo(&conv); err != nil {
		return conv, errors.Wrap(err, "decode conversation")
	}

	return conv, nil
}

func firestoreDecodeRecord(snap *firestore.DocumentSnapshot) (CallRecord, error) {
	if !snap.Exists() {
		return CallRecord{}, errors.Wrap(ErrConversationNotFound, snap.Ref.ID)
	}

	var conv firestoreConversation

	if err := snap.DataTo(&conv); err != nil {
		return CallRecord{}, errors.Wrap(err, "decode conversation")
	}

	return fromFirestoreCall(conv.Call), nil
}

func firestorePatchUpdates(p RecordPatch) []firestore.Update {
	var updates []firestore.Update

	if p.Active != nil {
		updates = append(updates, firestore.Update{Path: firestoreActiveField, Value: *p.Active})
	}

	if p.Initiator != nil {
		updates = append(updates, firestore.Update{Path: firestoreInitiatorField, Value: string(*p.Initiator)})
	}

	if p.Offer != nil {
		updates = append(updates, firestore.Update{Path: firestoreOfferField, Value: *p.Offer})
	}

	if p.Answer != nil {
		updates = append(updates, firestore.Update{Path: firestoreAnswerField, Value: *p.Answer})
	}

	if p.Status != nil {
		updates = append(updates, firestore.Update{Path: firestoreStatusField, Value: string(*p.Status)})
	}

	return updates
}

func toFirestoreCall(rec CallRecord) firestoreCall {
	return firestoreCall{
		Active:    rec.Active,
		Initiator: string(rec.Initiator),
		Offer:     rec.Offer,
		Answer:    rec.Answer,
		Status:    string(rec.Status),
	}
}

func fromFirestoreCall(c firestoreCall) CallRecord {
	return CallRecord{
		Active:    c.Active,
		Initiator: PeerID(c.Initiator),
		Offer:     c.Offer,
		Answer:    c.Answer,
		Status:    CallStatus(c.Status),
	}
}
