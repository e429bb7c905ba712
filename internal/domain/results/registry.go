package results

import "sync"

// PatientRegistry is the id → Patient mapping built during the Patient pass
// and read during the Observation pass. It is safe for concurrent writers
// because multiple NDJSON files of the same type are streamed in parallel.
// The two passes never overlap: the Patient pass fully drains before the
// first Observation is resolved.
type PatientRegistry struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

// NewPatientRegistry returns an empty registry.
func NewPatientRegistry() *PatientRegistry {
	return &PatientRegistry{patients: make(map[string]*Patient)}
}

// Add inserts a patient. A duplicate id overwrites the earlier entry; an
// export should carry each patient once, but a duplicate must not break the
// run.
func (r *PatientRegistry) Add(p *Patient) {
	r.mu.Lock()
	r.patients[p.ID] = p
	r.mu.Unlock()
}

// Get looks up a patient by id. The second return is false when the id is
// unknown; callers proceed with empty display fields in that case.
func (r *PatientRegistry) Get(id string) (*Patient, bool) {
	r.mu.RLock()
	p, ok := r.patients[id]
	r.mu.RUnlock()
	return p, ok
}

// Len returns the number of distinct patients seen.
func (r *PatientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patients)
}
