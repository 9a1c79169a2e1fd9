package claim

import (
	"sync/atomic"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out transaction ids. Ids must never repeat across restarts.
type IDGenerator interface {
	NextID() int64
}

type snowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates an id generator for one node of the cluster.
func NewSnowflakeIDs(nodeID int64) (IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfiguration, "invalid snowflake node id")
	}
	return &snowflakeIDs{node: node}, nil
}

func (s *snowflakeIDs) NextID() int64 {
	return s.node.Generate().Int64()
}

// sequence numbers value and win reports. It is seeded from the clock so
// it keeps increasing across restarts.
type sequence struct {
	n atomic.Int64
}

func newSequence(now time.Time) *sequence {
	s := &sequence{}
	s.n.Store(now.UnixMilli())
	return s
}

func (s *sequence) next() int64 {
	return s.n.Add(1)
}
