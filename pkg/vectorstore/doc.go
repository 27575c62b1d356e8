/*
Package vectorstore is a minimal REST client for Qdrant plus the
collection naming scheme used by the embedding pipeline.

Collections are created with three vector slots per point:

  - "dense": 1536-dim cosine vector from the embedding provider
  - "bm25": sparse lexical vector, IDF-weighted server side
  - "colbertv2.0": optional token-level multi-vector, scored max-sim

Document sources are read from {owner}_{source}_knowledge and finished
embeddings land in {owner}_knowledge_base, with owner emails normalized
to collection-safe names (@ and . become _).

Collection existence is cached for five minutes so EnsureCollection can
be called on every upsert without a round trip.
*/
package vectorstore
