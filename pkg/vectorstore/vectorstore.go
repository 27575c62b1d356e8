package vectorstore

import (
	"strings"

	"github.com/hatchworks/conveyor/pkg/types"
)

// Vector names inside every collection. Dense and sparse are always
// populated; the late-interaction slot is filled only when the
// embedding provider produces token-level vectors.
const (
	VectorDense  = "dense"
	VectorLate   = "colbertv2.0"
	VectorSparse = "bm25"
)

// DenseSize is the dimensionality of the dense vector slot
const DenseSize = 1536

// NormalizeOwner turns an owner email into a collection-safe prefix.
// Qdrant collection names cannot carry @ or dots.
func NormalizeOwner(owner string) string {
	r := strings.NewReplacer("@", "_", ".", "_")
	return r.Replace(strings.ToLower(owner))
}

// SourceCollection is where raw documents for a source are read from
func SourceCollection(owner string, source types.Source) string {
	return NormalizeOwner(owner) + "_" + string(source) + "_knowledge"
}

// TargetCollection is the per-owner knowledge base embeddings land in
func TargetCollection(owner string) string {
	return NormalizeOwner(owner) + "_knowledge_base"
}
