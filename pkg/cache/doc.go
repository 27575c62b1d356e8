/*
Package cache provides the two-tier key-value store used for job state,
API key metadata, rate-limit windows and provider usage counters.

# Architecture

Three implementations share one Cache interface:

  - RedisCache: the fast tier. Every operation maps 1:1 to a Redis
    command.
  - PostgresCache: the durable tier, backed by the cache_data table.
    Expiry is lazy: expired rows are removed when read.
  - HybridCache: Redis over Postgres. Reads fall through on miss and
    repopulate Redis asynchronously with a bounded TTL; writes land in
    both tiers with Redis failures degraded to warnings; counters and
    sorted sets are authoritative in Redis with async durable mirrors.

# Key Layout

	job:{id}:data      input payload
	job:{id}:status    lifecycle status
	job:{id}:type      processor routing
	job:{id}:client    owning client ID
	job:{id}:results   output payload
	job:{id}:error     failure message
	api_keys:{key}     issued key metadata

The helpers at the bottom of cache.go are the only place these formats
are built.
*/
package cache
