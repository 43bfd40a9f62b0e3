package dispatch

import "github.com/pms-org/pms-validation/internal/domain/outbox"

// CycleResult is the tagged outcome of one dispatch cycle. Rather than
// encoding retryability in error types, the processor reports explicitly:
// successes collected so far, an optional poison row that was isolated, and
// whether the cycle aborted on a transient system failure.
type CycleResult struct {
	SuccessIDs    []int64
	Poison        *outbox.Record
	SystemFailure bool
}

func success(ids []int64) CycleResult {
	return CycleResult{SuccessIDs: ids}
}

func poisoned(ids []int64, poison *outbox.Record) CycleResult {
	return CycleResult{SuccessIDs: ids, Poison: poison}
}

func systemFailure(ids []int64) CycleResult {
	return CycleResult{SuccessIDs: ids, SystemFailure: true}
}

// Empty reports a cycle that found no pending work.
func (r CycleResult) Empty() bool {
	return len(r.SuccessIDs) == 0 && r.Poison == nil && !r.SystemFailure
}
