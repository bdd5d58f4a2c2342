package definition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/pitabwire/autoflow/model"
)

// Importer persists a workflow definition. created is false when a workflow
// with the same id already exists.
type Importer interface {
	ImportDefinition(ctx context.Context, def model.WorkflowDefinition) (wf model.Workflow, created bool, err error)
}

type catalog struct {
	byID     map[string]model.WorkflowDefinition
	ids      []string
	checksum string
}

// Registry holds the loaded definitions. Readers never block; Replace
// publishes a new catalog in one step.
type Registry struct {
	cur atomic.Pointer[catalog]
}

// NewRegistry returns a Registry holding defs.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace swaps in defs. When an id repeats the last definition wins but
// keeps the position of the first.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	c := &catalog{byID: make(map[string]model.WorkflowDefinition, len(defs))}
	sums := make([]string, 0, len(defs))
	for _, def := range defs {
		if _, dup := c.byID[def.ID]; !dup {
			c.ids = append(c.ids, def.ID)
		}
		c.byID[def.ID] = def
		sums = append(sums, def.Checksum)
	}
	c.checksum = combinedChecksum(sums)
	r.cur.Store(c)
}

// combinedChecksum hashes the per-file checksums independent of load order.
func combinedChecksum(sums []string) string {
	slices.Sort(sums)
	h := sha256.New()
	for i, s := range sums {
		if i > 0 {
			h.Write([]byte{':'})
		}
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetWorkflow looks up a definition by workflow id.
func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	def, ok := r.cur.Load().byID[workflowID]
	return def, ok
}

// All returns the definitions in load order.
func (r *Registry) All() []model.WorkflowDefinition {
	c := r.cur.Load()
	out := make([]model.WorkflowDefinition, len(c.ids))
	for i, id := range c.ids {
		out[i] = c.byID[id]
	}
	return out
}

// Len reports how many definitions are loaded.
func (r *Registry) Len() int { return len(r.cur.Load().ids) }

// Checksum identifies the loaded set.
func (r *Registry) Checksum() string { return r.cur.Load().checksum }

// ImportAll passes each definition to imp in load order and returns the
// number newly created. The first error aborts the import.
func (r *Registry) ImportAll(ctx context.Context, imp Importer) (int, error) {
	var created int
	for _, def := range r.All() {
		_, isNew, err := imp.ImportDefinition(ctx, def)
		if err != nil {
			return created, fmt.Errorf("importing workflow %s: %w", def.ID, err)
		}
		if isNew {
			created++
		}
	}
	return created, nil
}
