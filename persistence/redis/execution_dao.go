package redis

import (
	"context"
	"errors"
	"strconv"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const EXECUTION_KEY string = "EXEC"
const EXECUTION_EVENT_KEY string = "EXEC_EVENT"
const EXECUTION_BY_START string = "EXEC_BY_START"
const EXECUTION_RUNNING string = "EXEC_RUNNING"

const maxWatchRetries = 5

var _ persistence.ExecutionStore = new(redisExecutionDao)

type redisExecutionDao struct {
	baseDao
	codec util.Codec[model.WorkflowExecution]
}

func NewRedisExecutionDao(client rd.UniversalClient, conf Config) *redisExecutionDao {
	return &redisExecutionDao{
		baseDao: *newBaseDao(client, conf),
		codec:   util.NewJsonCodec[model.WorkflowExecution](),
	}
}

func (d *redisExecutionDao) Create(ctx context.Context, exec *model.WorkflowExecution) (bool, error) {
	data, err := d.codec.Encode(*exec)
	if err != nil {
		return false, err
	}
	claimed, err := d.redisClient.SetNX(ctx, d.getNamespaceKey(EXECUTION_EVENT_KEY, exec.WorkflowId, exec.EventId), exec.Id, 0).Result()
	if err != nil {
		return false, d.storageError("error in claiming execution", err, zap.String("workflowId", exec.WorkflowId), zap.String("eventId", exec.EventId))
	}
	if !claimed {
		return false, nil
	}
	_, err = d.redisClient.TxPipelined(ctx, func(p rd.Pipeliner) error {
		p.Set(ctx, d.getNamespaceKey(EXECUTION_KEY, exec.Id), data, 0)
		p.ZAdd(ctx, d.getNamespaceKey(EXECUTION_BY_START), rd.Z{Score: float64(exec.StartedAt.UnixNano()), Member: exec.Id})
		if !exec.Status.IsTerminal() {
			p.SAdd(ctx, d.getNamespaceKey(EXECUTION_RUNNING), exec.Id)
		}
		return nil
	})
	if err != nil {
		return false, d.storageError("error in saving execution", err, zap.String("executionId", exec.Id))
	}
	return true, nil
}

// Update checks the stored status under WATCH so a concurrent writer can not
// slip a change in after the execution turned terminal.
func (d *redisExecutionDao) Update(ctx context.Context, exec *model.WorkflowExecution) error {
	data, err := d.codec.Encode(*exec)
	if err != nil {
		return err
	}
	key := d.getNamespaceKey(EXECUTION_KEY, exec.Id)
	txf := func(tx *rd.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == rd.Nil {
			return persistence.ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err := d.codec.Decode([]byte(val))
		if err != nil {
			return err
		}
		if stored.Status.IsTerminal() {
			return persistence.ErrTerminalExecution
		}
		_, err = tx.TxPipelined(ctx, func(p rd.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			if exec.Status.IsTerminal() {
				p.SRem(ctx, d.getNamespaceKey(EXECUTION_RUNNING), exec.Id)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err = d.redisClient.Watch(ctx, txf, key)
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		break
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrTerminalExecution):
		return err
	default:
		return d.storageError("error in updating execution", err, zap.String("executionId", exec.Id))
	}
}

func (d *redisExecutionDao) Get(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	val, err := d.redisClient.Get(ctx, d.getNamespaceKey(EXECUTION_KEY, id)).Result()
	if err == rd.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, d.storageError("error in getting execution", err, zap.String("executionId", id))
	}
	return d.codec.Decode([]byte(val))
}

func (d *redisExecutionDao) List(ctx context.Context, query model.ExecutionQuery) ([]model.WorkflowExecution, error) {
	min, max := "-inf", "+inf"
	if !query.From.IsZero() {
		min = strconv.FormatInt(query.From.UnixNano(), 10)
	}
	if !query.To.IsZero() {
		max = strconv.FormatInt(query.To.UnixNano(), 10)
	}
	ids, err := d.redisClient.ZRangeByScore(ctx, d.getNamespaceKey(EXECUTION_BY_START), &rd.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, d.storageError("error in listing executions", err)
	}
	return d.load(ctx, ids, query)
}

func (d *redisExecutionDao) ListRunning(ctx context.Context) ([]model.WorkflowExecution, error) {
	ids, err := d.redisClient.SMembers(ctx, d.getNamespaceKey(EXECUTION_RUNNING)).Result()
	if err != nil {
		return nil, d.storageError("error in listing running executions", err)
	}
	execs, err := d.load(ctx, ids, model.ExecutionQuery{Status: model.RUNNING})
	if err != nil {
		return nil, err
	}
	sortByStart(execs)
	return execs, nil
}

func (d *redisExecutionDao) load(ctx context.Context, ids []string, query model.ExecutionQuery) ([]model.WorkflowExecution, error) {
	out := make([]model.WorkflowExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := d.Get(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if query.Matches(exec) {
			out = append(out, *exec)
		}
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}
