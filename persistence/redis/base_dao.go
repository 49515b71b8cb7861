package redis

import (
	"fmt"
	"strings"

	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/persistence"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

func NewClient(conf Config) rd.UniversalClient {
	return rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		PoolSize: conf.PoolSize,
		DB:       conf.DB,
	})
}

func newBaseDao(client rd.UniversalClient, conf Config) *baseDao {
	return &baseDao{
		redisClient: client,
		namespace:   conf.Namespace,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

func (bs *baseDao) storageError(msg string, err error, fields ...zap.Field) error {
	logger.Error(msg, append(fields, zap.Error(err))...)
	return persistence.StorageLayerError{Message: fmt.Sprintf("%s: %v", msg, err)}
}
