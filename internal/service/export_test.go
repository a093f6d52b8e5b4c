package service

import "time"

// ReleaseIfStale exposes the sweep's per-workflow step to service_test.
func (r *WorkflowRegistry) ReleaseIfStale(workflowID string, cutoff time.Time) *WorkflowConnections {
	return r.releaseIfStale(workflowID, cutoff)
}
