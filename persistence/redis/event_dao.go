package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const EVENT_KEY string = "EVENT"
const EVENT_IDEMPOTENCY_KEY string = "EVENT_IDEMPOTENCY"
const EVENT_PENDING string = "EVENT_PENDING"

var _ persistence.EventStore = new(redisEventDao)

type redisEventDao struct {
	baseDao
	codec util.Codec[model.Event]
}

func NewRedisEventDao(client rd.UniversalClient, conf Config) *redisEventDao {
	return &redisEventDao{
		baseDao: *newBaseDao(client, conf),
		codec:   util.NewJsonCodec[model.Event](),
	}
}

// SaveIfAbsent writes the event body first and then claims the idempotency
// key with SETNX, so a concurrent duplicate always finds the winner's body.
func (d *redisEventDao) SaveIfAbsent(ctx context.Context, event *model.Event, window time.Duration) (*model.Event, bool, error) {
	data, err := d.codec.Encode(*event)
	if err != nil {
		return nil, false, err
	}
	eventKey := d.getNamespaceKey(EVENT_KEY, event.Id)
	if err := d.redisClient.Set(ctx, eventKey, data, window).Err(); err != nil {
		return nil, false, d.storageError("error in saving event", err, zap.String("eventId", event.Id))
	}
	idemKey := d.getNamespaceKey(EVENT_IDEMPOTENCY_KEY, event.IdempotencyKey)
	claimed, err := d.redisClient.SetNX(ctx, idemKey, event.Id, window).Result()
	if err != nil {
		return nil, false, d.storageError("error in claiming idempotency key", err, zap.String("key", event.IdempotencyKey))
	}
	if claimed {
		pending := rd.Z{Score: float64(event.ReceivedAt.UnixNano()), Member: event.Id}
		if err := d.redisClient.ZAdd(ctx, d.getNamespaceKey(EVENT_PENDING), pending).Err(); err != nil {
			return nil, false, d.storageError("error in marking event pending", err, zap.String("eventId", event.Id))
		}
		return event, true, nil
	}
	d.redisClient.Del(ctx, eventKey)
	originalId, err := d.redisClient.Get(ctx, idemKey).Result()
	if err == rd.Nil {
		// the window expired between SETNX and GET
		return d.SaveIfAbsent(ctx, event, window)
	}
	if err != nil {
		return nil, false, d.storageError("error in reading idempotency key", err, zap.String("key", event.IdempotencyKey))
	}
	original, err := d.Get(ctx, originalId)
	if err != nil {
		return nil, false, err
	}
	return original, false, nil
}

func (d *redisEventDao) Get(ctx context.Context, id string) (*model.Event, error) {
	val, err := d.redisClient.Get(ctx, d.getNamespaceKey(EVENT_KEY, id)).Result()
	if err == rd.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, d.storageError("error in getting event", err, zap.String("eventId", id))
	}
	return d.codec.Decode([]byte(val))
}

func (d *redisEventDao) MarkHandled(ctx context.Context, id string) error {
	if err := d.redisClient.ZRem(ctx, d.getNamespaceKey(EVENT_PENDING), id).Err(); err != nil {
		return d.storageError("error in marking event handled", err, zap.String("eventId", id))
	}
	return nil
}

func (d *redisEventDao) IsPending(ctx context.Context, id string) (bool, error) {
	err := d.redisClient.ZScore(ctx, d.getNamespaceKey(EVENT_PENDING), id).Err()
	if err == rd.Nil {
		return false, nil
	}
	if err != nil {
		return false, d.storageError("error in reading pending event", err, zap.String("eventId", id))
	}
	return true, nil
}

// ListPending drops index entries whose event body already expired.
func (d *redisEventDao) ListPending(ctx context.Context, receivedBefore time.Time) ([]model.Event, error) {
	key := d.getNamespaceKey(EVENT_PENDING)
	max := "(" + strconv.FormatInt(receivedBefore.UnixNano(), 10)
	ids, err := d.redisClient.ZRangeByScore(ctx, key, &rd.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, d.storageError("error in listing pending events", err)
	}
	var out []model.Event
	for _, id := range ids {
		ev, err := d.Get(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			d.redisClient.ZRem(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}
