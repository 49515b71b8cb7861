package redis

import (
	"context"
	"sort"
	"strconv"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const WORKFLOW_DEF string = "WF_DEF"
const WORKFLOW_LATEST string = "WF_LATEST"

var _ persistence.WorkflowStore = new(redisWorkflowDao)

// redisWorkflowDao keeps every version of a definition in a hash per
// workflow id, and the latest version number of each workflow in one hash.
type redisWorkflowDao struct {
	baseDao
	codec util.Codec[model.Workflow]
}

func NewRedisWorkflowDao(client rd.UniversalClient, conf Config) *redisWorkflowDao {
	return &redisWorkflowDao{
		baseDao: *newBaseDao(client, conf),
		codec:   util.NewJsonCodec[model.Workflow](),
	}
}

func (d *redisWorkflowDao) Save(ctx context.Context, wf model.Workflow) error {
	data, err := d.codec.Encode(wf)
	if err != nil {
		return err
	}
	_, err = d.redisClient.TxPipelined(ctx, func(p rd.Pipeliner) error {
		p.HSet(ctx, d.getNamespaceKey(WORKFLOW_DEF, wf.Id), strconv.Itoa(wf.Version), data)
		p.HSet(ctx, d.getNamespaceKey(WORKFLOW_LATEST), wf.Id, wf.Version)
		return nil
	})
	if err != nil {
		return d.storageError("error in saving workflow", err, zap.String("workflowId", wf.Id))
	}
	return nil
}

func (d *redisWorkflowDao) Get(ctx context.Context, id string) (*model.Workflow, error) {
	version, err := d.redisClient.HGet(ctx, d.getNamespaceKey(WORKFLOW_LATEST), id).Int()
	if err == rd.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, d.storageError("error in getting workflow version", err, zap.String("workflowId", id))
	}
	return d.GetVersion(ctx, id, version)
}

func (d *redisWorkflowDao) GetVersion(ctx context.Context, id string, version int) (*model.Workflow, error) {
	val, err := d.redisClient.HGet(ctx, d.getNamespaceKey(WORKFLOW_DEF, id), strconv.Itoa(version)).Result()
	if err == rd.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, d.storageError("error in getting workflow", err, zap.String("workflowId", id), zap.Int("version", version))
	}
	return d.codec.Decode([]byte(val))
}

func (d *redisWorkflowDao) List(ctx context.Context) ([]model.Workflow, error) {
	latest, err := d.redisClient.HGetAll(ctx, d.getNamespaceKey(WORKFLOW_LATEST)).Result()
	if err != nil {
		return nil, d.storageError("error in listing workflows", err)
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Workflow, 0, len(ids))
	for _, id := range ids {
		version, err := strconv.Atoi(latest[id])
		if err != nil {
			return nil, persistence.StorageLayerError{Message: "corrupt workflow version for " + id}
		}
		wf, err := d.GetVersion(ctx, id, version)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, nil
}
