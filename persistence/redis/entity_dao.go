package redis

import (
	"context"
	"sort"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ENTITY_KEY string = "ENTITY"
const ENTITY_DEGRADED string = "ENTITY_DEGRADED"
const CONFLICT_KEY string = "CONFLICT"
const CONFLICT_PENDING string = "CONFLICT_PENDING"

var _ persistence.EntityStore = new(redisEntityDao)
var _ persistence.ConflictStore = new(redisConflictDao)

type redisEntityDao struct {
	baseDao
	codec util.Codec[model.EntityRecord]
}

func NewRedisEntityDao(client rd.UniversalClient, conf Config) *redisEntityDao {
	return &redisEntityDao{
		baseDao: *newBaseDao(client, conf),
		codec:   util.NewJsonCodec[model.EntityRecord](),
	}
}

func (d *redisEntityDao) Get(ctx context.Context, id string) (*model.EntityRecord, error) {
	val, err := d.redisClient.Get(ctx, d.getNamespaceKey(ENTITY_KEY, id)).Result()
	if err == rd.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, d.storageError("error in getting entity", err, zap.String("entityId", id))
	}
	return d.codec.Decode([]byte(val))
}

func (d *redisEntityDao) Save(ctx context.Context, entity *model.EntityRecord) error {
	data, err := d.codec.Encode(*entity)
	if err != nil {
		return err
	}
	_, err = d.redisClient.TxPipelined(ctx, func(p rd.Pipeliner) error {
		p.Set(ctx, d.getNamespaceKey(ENTITY_KEY, entity.Id), data, 0)
		if entity.SyncDegraded {
			p.SAdd(ctx, d.getNamespaceKey(ENTITY_DEGRADED), entity.Id)
		} else {
			p.SRem(ctx, d.getNamespaceKey(ENTITY_DEGRADED), entity.Id)
		}
		return nil
	})
	if err != nil {
		return d.storageError("error in saving entity", err, zap.String("entityId", entity.Id))
	}
	return nil
}

func (d *redisEntityDao) ListDegraded(ctx context.Context) ([]string, error) {
	ids, err := d.redisClient.SMembers(ctx, d.getNamespaceKey(ENTITY_DEGRADED)).Result()
	if err != nil {
		return nil, d.storageError("error in listing degraded entities", err)
	}
	sort.Strings(ids)
	return ids, nil
}

type redisConflictDao struct {
	baseDao
	codec util.Codec[model.ConflictRecord]
}

func NewRedisConflictDao(client rd.UniversalClient, conf Config) *redisConflictDao {
	return &redisConflictDao{
		baseDao: *newBaseDao(client, conf),
		codec:   util.NewJsonCodec[model.ConflictRecord](),
	}
}

func (d *redisConflictDao) Save(ctx context.Context, conflict *model.ConflictRecord) error {
	data, err := d.codec.Encode(*conflict)
	if err != nil {
		return err
	}
	_, err = d.redisClient.TxPipelined(ctx, func(p rd.Pipeliner) error {
		p.Set(ctx, d.getNamespaceKey(CONFLICT_KEY, conflict.Id), data, 0)
		if conflict.Status == model.CONFLICT_PENDING {
			p.ZAdd(ctx, d.getNamespaceKey(CONFLICT_PENDING), rd.Z{Score: float64(conflict.CreatedAt.UnixNano()), Member: conflict.Id})
		} else {
			p.ZRem(ctx, d.getNamespaceKey(CONFLICT_PENDING), conflict.Id)
		}
		return nil
	})
	if err != nil {
		return d.storageError("error in saving conflict", err, zap.String("conflictId", conflict.Id))
	}
	return nil
}

func (d *redisConflictDao) Get(ctx context.Context, id string) (*model.ConflictRecord, error) {
	val, err := d.redisClient.Get(ctx, d.getNamespaceKey(CONFLICT_KEY, id)).Result()
	if err == rd.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, d.storageError("error in getting conflict", err, zap.String("conflictId", id))
	}
	return d.codec.Decode([]byte(val))
}

func (d *redisConflictDao) ListPending(ctx context.Context) ([]model.ConflictRecord, error) {
	ids, err := d.redisClient.ZRange(ctx, d.getNamespaceKey(CONFLICT_PENDING), 0, -1).Result()
	if err != nil {
		return nil, d.storageError("error in listing conflicts", err)
	}
	out := make([]model.ConflictRecord, 0, len(ids))
	for _, id := range ids {
		c, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
