package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// newNode returns a snowflake node, or nil when nodeID is outside the
// 10-bit range.
func newNode(nodeID int64) *snowflake.Node {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil
	}
	return n
}

// nodeIDFromEnv reads SNOWFLAKE_NODE, defaulting to 1.
func nodeIDFromEnv() int64 {
	if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return 1
}

// processNode returns the snowflake node shared by the process. The node
// keeps the per-millisecond sequence, so it must not be rebuilt per call.
func processNode() *snowflake.Node {
	nodeOnce.Do(func() {
		node = newNode(nodeIDFromEnv())
		if node == nil {
			node = newNode(1)
		}
	})
	return node
}

// NewSnowflakeID generates a snowflake ID string using a node ID from
// the environment variable SNOWFLAKE_NODE (default 1). If the node cannot
// be set up it falls back to a KSUID string.
func NewSnowflakeID() string {
	n := processNode()
	if n == nil {
		return NewKSUID()
	}
	return n.Generate().String()
}
