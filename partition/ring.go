package partition

import (
	"fmt"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

const DEFAULT_PARTITION_COUNT = 271

type hasher struct {
}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type RingConfig struct {
	PartitionCount int
	Lanes          int
}

type lane struct {
	name  string
	index int
}

func (l lane) String() string {
	return l.name
}

// Ring assigns keys to a fixed set of lanes with consistent hashing, so a
// key always lands on the same lane for the lifetime of the ring.
type Ring struct {
	RingConfig
	hring *consistent.Consistent
	lanes map[string]lane
}

func NewRing(c RingConfig) *Ring {
	if c.PartitionCount <= 0 {
		c.PartitionCount = DEFAULT_PARTITION_COUNT
	}
	if c.Lanes <= 0 {
		c.Lanes = 1
	}
	cfg := consistent.Config{
		PartitionCount:    c.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	members := make([]consistent.Member, 0, c.Lanes)
	lanes := make(map[string]lane, c.Lanes)
	for i := 0; i < c.Lanes; i++ {
		l := lane{name: fmt.Sprintf("lane-%d", i), index: i}
		lanes[l.name] = l
		members = append(members, l)
	}
	logger.Debug("partition ring created", zap.Int("lanes", c.Lanes), zap.Int("partitions", c.PartitionCount))
	return &Ring{
		RingConfig: c,
		hring:      consistent.New(members, cfg),
		lanes:      lanes,
	}
}

func (r *Ring) GetPartition(key string) int {
	return r.hring.FindPartitionID([]byte(key))
}

// Lane returns the index of the lane owning key.
func (r *Ring) Lane(key string) int {
	owner := r.hring.LocateKey([]byte(key))
	return r.lanes[owner.String()].index
}
