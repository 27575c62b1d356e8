/*
Package repository persists job records and mediates every status
transition in the platform.

# Architecture

One JobRepository interface, three backends:

  - RedisRepository: jobs live in the job:{id}:* key family with a
    one-week TTL. Claims are SETNX locks whose TTL doubles as the
    janitor's recovery signal; the pending sweep runs as a Lua script
    so concurrent sweeps never hand out the same job.
  - PostgresRepository: the durable store. Claims re-check status under
    a row lock, and the pending sweep uses FOR UPDATE SKIP LOCKED so
    sweeps scale across processes.
  - QdrantRepository: documents already sitting in a source collection
    are treated as jobs, with state carried in point payloads. Used by
    the sharepoint, aws_s3 and azure sweep paths.

All three enforce the transition rules in the types package; the only
backwards edge is processing to pending, reserved for lock recovery.

FileRepository is a small Postgres side table (processed_files)
recording every document the embedding pipeline has seen.

Connect wraps pool creation in exponential backoff so workers can
start before the database finishes coming up.
*/
package repository
