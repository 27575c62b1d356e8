package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hatchworks/conveyor/pkg/types"
)

// Processor executes one job type. Process returns the results
// document persisted to the repository on success.
type Processor interface {
	Type() types.JobType
	Process(ctx context.Context, job *types.Job) (json.RawMessage, error)
}

// Registry routes jobs to their processor
type Registry struct {
	byType map[types.JobType]Processor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byType: make(map[types.JobType]Processor)}
}

// Register adds a processor; duplicate registrations are a programmer
// error and panic at startup.
func (r *Registry) Register(p Processor) {
	if _, ok := r.byType[p.Type()]; ok {
		panic(fmt.Sprintf("processor already registered for %s", p.Type()))
	}
	r.byType[p.Type()] = p
}

// Get resolves a job type to its processor
func (r *Registry) Get(jobType types.JobType) (Processor, error) {
	p, ok := r.byType[jobType]
	if !ok {
		return nil, fmt.Errorf("no processor for job type %q", jobType)
	}
	return p, nil
}
