package replicator

import "fmt"

// DisposedError is returned by any public Replicator operation (other than
// Dispose itself) once the Replicator has been disposed.
type DisposedError struct{}

func (*DisposedError) Error() string { return "replicator: operation attempted on a disposed replicator" }

// ErrDisposed is the canonical DisposedError instance.
var ErrDisposed = &DisposedError{}

// ContractViolation reports that a collaborator (LocalStore or RemoteStore)
// returned state inconsistent with its contract, e.g. an unsynced message
// whose id mark_synced has never heard of. The Replicator logs these and
// continues rather than panicking.
type ContractViolation struct {
	Detail string
}

func (c *ContractViolation) Error() string {
	return fmt.Sprintf("replicator: contract violation: %s", c.Detail)
}
