package engine

import (
	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/types"
)

// Shard is the capability surface a shard holder programs against: the real
// Engine implements it, and NoOpEngine stands in for it while a failed shard
// waits for external recovery.
type Shard interface {
	Index(req IndexRequest) (types.Operation, error)
	Delete(req DeleteRequest) (types.Operation, error)
	Get(docID string) (source []byte, version types.VersionValue, found bool, err error)
	GetRealtime(docID string) (source []byte, version types.VersionValue, found bool, err error)
	Refresh() error
	Flush() error
	Recover() error
	Close() error
	Stats() types.Stats
	LastFailure() error
}

var (
	_ Shard = (*Engine)(nil)
	_ Shard = (*NoOpEngine)(nil)
)

// NoOpEngine keeps a shard slot open after its real engine failed: writes
// are rejected with ErrEngineClosed, reads find nothing, Refresh/Flush/Close
// succeed without doing anything, and Recover is rejected with
// ErrEngineClosed, so the holder can keep routing and reporting until a
// supervisor rebuilds the real engine.
type NoOpEngine struct {
	cause error
}

// NewNoOpEngine wraps the failure that brought the real engine down.
func NewNoOpEngine(cause error) *NoOpEngine {
	return &NoOpEngine{cause: cause}
}

func (n *NoOpEngine) Index(req IndexRequest) (types.Operation, error) {
	return types.Operation{}, engineerrors.ErrEngineClosed
}

func (n *NoOpEngine) Delete(req DeleteRequest) (types.Operation, error) {
	return types.Operation{}, engineerrors.ErrEngineClosed
}

func (n *NoOpEngine) Get(docID string) ([]byte, types.VersionValue, bool, error) {
	return nil, types.VersionValue{}, false, nil
}

func (n *NoOpEngine) GetRealtime(docID string) ([]byte, types.VersionValue, bool, error) {
	return nil, types.VersionValue{}, false, nil
}

func (n *NoOpEngine) Refresh() error { return nil }

func (n *NoOpEngine) Flush() error { return nil }

func (n *NoOpEngine) Recover() error { return engineerrors.ErrEngineClosed }

func (n *NoOpEngine) Close() error { return nil }

func (n *NoOpEngine) Stats() types.Stats { return types.Stats{} }

func (n *NoOpEngine) LastFailure() error { return n.cause }
