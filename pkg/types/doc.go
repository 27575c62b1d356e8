/*
Package types defines the shared domain model for Conveyor.

It holds the job lifecycle (statuses and legal transitions), job routing
enums (type, source, priority), the canonical email ingest schema, the
multi-vector point model persisted to vector collections, API key and tier
records, and the broker task-naming helpers.

# Job State Machine

	pending → scheduled → processing → completed
	                 ↘                ↘ failed
	  (janitor resets processing → pending on lock expiry)

All status writes in the repository layer go through values defined here;
JobStatus.CanTransition encodes the diagram above.

# Job Keys

Scheduler sweeps and broker task arguments carry jobs as "source:id:owner"
strings; JobKey and ParseJobKey are the only place this format is built or
parsed.
*/
package types
