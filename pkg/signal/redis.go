package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peercall/pkg/log"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis keeps each conversation in a hash whose call fields are stored one per hash
// field ("call.status", "call.offer", ...), so a patch is a plain HSET of the fields it
// names and sibling fields survive concurrent writers. Every write publishes on a
// per-conversation channel; subscribers re-read the hash when notified. Candidates
// live in one stream per producing peer.
type Redis struct {
	cfg RedisConfig

	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration

	// Prefix namespaces every key, "conversations" when empty.
	Prefix string
}

const (
	redisMembersField   = "members"
	redisActiveField    = "call.active"
	redisInitiatorField = "call.initiator"
	redisOfferField     = "call.offer"
	redisAnswerField    = "call.answer"
	redisStatusField    = "call.status"

	redisCandidateField = "candidate"
	redisReadBlock      = time.Second
	redisReadCount      = 64
)

var redisCallFields = []string{
	redisActiveField,
	redisInitiatorField,
	redisOfferField,
	redisAnswerField,
	redisStatusField,
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "conversations"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &Redis{
		cfg:    cfg,
		client: client,
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// CreateConversation stores a conversation with an idle call record. It exists for
// tooling; the signaling core itself never creates conversations.
func (r *Redis) CreateConversation(ctx context.Context, conv Conversation) error {
	members, err := json.Marshal(conv.Members)
	if err != nil {
		return err
	}

	values, err := redisCallValues(conv.Call)
	if err != nil {
		return err
	}

	values = append(values, redisMembersField, string(members))

	return r.client.HSet(ctx, r.conversationKey(conv.ID), values...).Err()
}

func (r *Redis) Members(ctx context.Context, conversationID string) ([]PeerID, error) {
	raw, err := r.client.HGet(ctx, r.conversationKey(conversationID), redisMembersField).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	if err != nil {
		return nil, errors.Wrap(err, "redis members")
	}

	var members []PeerID

	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, errors.Wrap(err, "decode members")
	}

	return members, nil
}

func (r *Redis) Read(ctx context.Context, conversationID string) (CallRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.conversationKey(conversationID)).Result()
	if err != nil {
		return CallRecord{}, errors.Wrap(err, "redis read")
	}

	if len(fields) == 0 {
		return CallRecord{}, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	return redisDecodeRecord(fields)
}

func (r *Redis) Write(ctx context.Context, conversationID string, patch RecordPatch) error {
	key := r.conversationKey(conversationID)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "redis exists")
	}

	if n == 0 {
		return errors.Wrap(ErrConversationNotFound, conversationID)
	}

	values, err := redisPatchValues(patch)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if patch.Replace {
			pipe.HDel(ctx, key, redisCallFields...)
		}

		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}

		pipe.Publish(ctx, r.changesChannel(conversationID), "call")

		return nil
	})

	return errors.Wrap(err, "redis write")
}

func (r *Redis) Subscribe(ctx context.Context, conversationID string, fn RecordFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	// Subscribe before the first read so that no change between the two is lost.
	pubsub := r.client.Subscribe(subCtx, r.changesChannel(conversationID))

	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()

		return nil, errors.Wrap(err, "redis subscribe")
	}

	first, err := r.Read(subCtx, conversationID)
	if err != nil {
		cancel()
		pubsub.Close()

		return nil, err
	}

	go func() {
		defer pubsub.Close()

		fn(first, nil)

		messages := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					if subCtx.Err() == nil {
						fn(CallRecord{}, ErrSubscriptionClosed)
					}

					return
				}
			}

			// Notifications may pile up; draining them first keeps the number of
			// reads proportional to what the consumer can observe.
			drain(messages)

			rec, err := r.Read(subCtx, conversationID)
			if subCtx.Err() != nil {
				return
			}

			fn(rec, err)
		}
	}()

	return cancel, nil
}

func (r *Redis) PublishCandidate(ctx context.Context, conversationID string, self PeerID, c Candidate) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.candidatesKey(conversationID, self),
		Values: map[string]any{redisCandidateField: string(payload)},
	}).Err()

	return errors.Wrap(err, "redis publish candidate")
}

func (r *Redis) SubscribeToCandidates(ctx context.Context, conversationID string, peer PeerID, fn CandidateFunc) (func(), error) {
	key := r.candidatesKey(conversationID, peer)

	// Entries up to the current tail are pre-existing and must not be delivered.
	lastID := "0-0"

	tail, err := r.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "redis candidates tail")
	}

	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		for subCtx.Err() == nil {
			streams, err := r.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   redisReadCount,
				Block:   redisReadBlock,
			}).Result()

			if errors.Is(err, redis.Nil) {
				continue
			}

			if err != nil {
				if subCtx.Err() != nil {
					return
				}

				log.Conversation(conversationID).WithError(err).Warn("candidate stream read failed")

				select {
				case <-subCtx.Done():
					return
				case <-time.After(redisReadBlock):
				}

				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID

					c, err := redisDecodeCandidate(msg.Values)
					if err != nil {
						log.Conversation(conversationID).WithError(err).Warn("malformed candidate entry")

						continue
					}

					fn(c)
				}
			}
		}
	}()

	return cancel, nil
}

func (r *Redis) ClearCandidates(ctx context.Context, conversationID string, peer PeerID) error {
	return errors.Wrap(r.client.Del(ctx, r.candidatesKey(conversationID, peer)).Err(), "redis clear candidates")
}

func (r *Redis) conversationKey(id string) string {
	return fmt.Sprintf("%s:%s", r.cfg.Prefix, id)
}

func (r *Redis) changesChannel(id string) string {
	return fmt.Sprintf("%s:%s:call", r.cfg.Prefix, id)
}

func (r *Redis) candidatesKey(id string, peer PeerID) string {
	return fmt.Sprintf("%s:%s:iceCandidates:%s", r.cfg.Prefix, id, peer)
}

func drain(ch <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func redisPatchValues(p RecordPatch) ([]any, error) {
	var values []any

	if p.Active != nil {
		values = append(values, redisActiveField, redisBool(*p.Active))
	}

	if p.Initiator != nil {
		values = append(values, redisInitiatorField, string(*p.Initiator))
	}

	if p.Offer != nil {
		raw, err := json.Marshal(p.Offer)
		if err != nil {
			return nil, err
		}

		values = append(values, redisOfferField, string(raw))
	}

	if p.Answer != nil {
		raw, err := json.Marshal(p.Answer)
		if err != nil {
			return nil, err
		}

		values = append(values, redisAnswerField, string(raw))
	}

	if p.Status != nil {
		values = append(values, redisStatusField, string(*p.Status))
	}

	return values, nil
}

func redisCallValues(rec CallRecord) ([]any, error) {
	return redisPatchValues(RecordPatch{
		Active:    &rec.Active,
		Initiator: &rec.Initiator,
		Offer:     rec.Offer,
		Answer:    rec.Answer,
		Status:    &rec.Status,
	})
}

func redisDecodeRecord(fields map[string]string) (CallRecord, error) {
	rec := CallRecord{
		Active:    fields[redisActiveField] == "1",
		Initiator: PeerID(fields[redisInitiatorField]),
		Status:    CallStatus(fields[redisStatusField]),
	}

	if raw, ok := fields[redisOfferField]; ok && raw != "" {
		rec.Offer = &SessionDescription{}

		if err := json.Unmarshal([]byte(raw), rec.Offer); err != nil {
			return CallRecord{}, errors.Wrap(err, "decode offer")
		}
	}

	if raw, ok := fields[redisAnswerField]; ok && raw != "" {
		rec.Answer = &SessionDescription{}

		if err := json.Unmarshal([]byte(raw), rec.Answer); err != nil {
			return CallRecord{}, errors.Wrap(err, "decode answer")
		}
	}

	return rec, nil
}

func redisDecodeCandidate(values map[string]any) (Candidate, error) {
	raw, ok := values[redisCandidateField].(string)
	if !ok {
		return Candidate{}, errors.New("candidate field missing")
	}

	var c Candidate

	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Candidate{}, err
	}

	return c, nil
}

func redisBool(v bool) string {
	if v {
		return "1"
	}

	return "0"
}
