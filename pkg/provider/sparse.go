package provider

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"github.com/hatchworks/conveyor/pkg/types"
)

// SparseEncoder produces deterministic lexical vectors: tokens hash to
// 32-bit indices and values carry term frequency. Inverse document
// frequency is applied server-side by the vector store's IDF modifier,
// so the encoder stays stateless.
type SparseEncoder struct{}

// NewSparseEncoder creates the encoder
func NewSparseEncoder() *SparseEncoder { return &SparseEncoder{} }

// Encode turns text into a sparse vector sorted by index
func (e *SparseEncoder) Encode(text string) types.SparseVector {
	counts := make(map[uint32]float32)
	for _, token := range tokenize(text) {
		counts[hashToken(token)]++
	}

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = counts[idx]
	}
	return types.SparseVector{Indices: indices, Values: values}
}

func tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() >= 2 {
			tokens = append(tokens, sb.String())
		}
		sb.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(token))
	return h.Sum32()
}
