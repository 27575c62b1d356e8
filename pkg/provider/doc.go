/*
Package provider mediates all LLM and embedding traffic.

Calls flow through four guards in order: the monthly cost gate (checked
once per job by callers), the shared request rate limiter, the key
rotation manager (rate-limited keys sit out 60 seconds fleet-wide via
the cache) and a circuit breaker that opens after five consecutive
failures. Chat completions walk the configured model list and finish on
the fallback model.

The sparse encoder and prompt sanitizer live here too: both are pure
functions the embedding pipeline and processors share.
*/
package provider
