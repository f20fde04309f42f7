// pkg/cluster/errors.go
package cluster

import (
	"errors"
	"fmt"
)

// errRecycleNotRemoved is recycle_record's precondition failure: the
// position's current status must be REMOVED.
var errRecycleNotRemoved = errors.New("position is not removed")

// ClusterError wraps a failure encountered inside a CRUD path, carrying the
// owning cluster's name and the underlying cause: structural violations
// ("content was broken", "record was deleted"), invalid attribute values,
// and illegal encryption changes on a non-empty cluster all surface as one
// of these.
type ClusterError struct {
	ClusterName string
	Op          string
	Cause       error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("cluster %q: %s: %v", e.ClusterName, e.Op, e.Cause)
}

func (e *ClusterError) Unwrap() error { return e.Cause }

func clusterErr(name, op string, cause error) error {
	return &ClusterError{ClusterName: name, Op: op, Cause: cause}
}

// NotFoundError is raised by read_record_if_version_is_not_latest when the
// position carries no record at all; it names the offending position.
type NotFoundError struct {
	Position int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cluster: record at position %d not found", e.Position)
}

// IllegalStateError marks a non-recoverable structural bug: an append
// failed despite the free-list claiming enough space. Callers are expected
// to dump the offending page to the log before this propagates.
type IllegalStateError struct {
	Detail string
}

func (e *IllegalStateError) Error() string {
	return "cluster: illegal state: " + e.Detail
}
