// Package processor holds the pluggable processing units. The set is closed:
// each unit is registered explicitly against its job type at startup, never
// looked up dynamically from config.
package processor

import (
	"context"
	"fmt"
)

// Processor is one unit of work over an uploaded artifact. The returned blob
// is opaque to the rest of the pipeline and stored verbatim on the file row.
type Processor interface {
	JobType() string
	Process(ctx context.Context, locator, filename string) ([]byte, error)
}

// Registry maps job types to processing units.
type Registry struct {
	units map[string]Processor
}

func NewRegistry(units ...Processor) *Registry {
	r := &Registry{units: make(map[string]Processor, len(units))}
	for _, u := range units {
		r.units[u.JobType()] = u
	}
	return r
}

// Lookup returns the unit for jobType.
func (r *Registry) Lookup(jobType string) (Processor, error) {
	u, ok := r.units[jobType]
	if !ok {
		return nil, fmt.Errorf("no processor registered for job type %q", jobType)
	}
	return u, nil
}
