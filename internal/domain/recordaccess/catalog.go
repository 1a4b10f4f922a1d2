package recordaccess

import (
	"context"
	"sync"
)

// Catalog lists a patient's test types and the results unlocked by the last
// successful verification.
type Catalog struct {
	backend Backend
	store   *SessionStore

	mu       sync.RWMutex
	unlocked map[SessionKey]unlockedResults
}

type unlockedResults struct {
	requestID string
	results   []TestResultSummary
}

func NewCatalog(backend Backend, store *SessionStore) *Catalog {
	return &Catalog{
		backend:  backend,
		store:    store,
		unlocked: make(map[SessionKey]unlockedResults),
	}
}

// ListTestTypes is always allowed. A patient with no uploads yields an empty,
// non-nil slice.
func (c *Catalog) ListTestTypes(ctx context.Context, patientID string) ([]string, error) {
	if patientID == "" {
		return nil, ErrMissingPatient
	}
	types, err := c.backend.ListTestTypes(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if types == nil {
		types = []string{}
	}
	return types, nil
}

// ListResultsForPatient returns the results unlocked for key, grouped by test
// type in backend order. Callers check the gate first; results belonging to a
// session that has since been replaced or reset are not returned.
func (c *Catalog) ListResultsForPatient(key SessionKey) []ResultGroup {
	c.mu.RLock()
	entry, ok := c.unlocked[key]
	c.mu.RUnlock()

	if !ok || c.store.Get(key).RequestID != entry.requestID {
		return []ResultGroup{}
	}
	return GroupByType(entry.results)
}

// Find returns the unlocked result with testID.
func (c *Catalog) Find(key SessionKey, testID int64) (TestResultSummary, bool) {
	for _, g := range c.ListResultsForPatient(key) {
		for _, r := range g.Results {
			if r.TestID == testID {
				return r, true
			}
		}
	}
	return TestResultSummary{}, false
}

func (c *Catalog) remember(key SessionKey, requestID string, results []TestResultSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocked[key] = unlockedResults{requestID: requestID, results: results}
}

func (c *Catalog) forget(key SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unlocked, key)
}
