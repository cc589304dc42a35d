// Package symbols resolves MT5 instrument names to broker symbol ids and
// owns the per-instrument quantization rules.
//
// One Catalog exists per account: symbol ids are broker- and
// account-specific, so there is no sharing across accounts. The catalog
// is replaced wholesale after every (re)connect and cleared on
// disconnect; between loads it is read-only.
package symbols

import (
	"errors"
	"strings"
	"sync"
)

// UnknownDigits marks an instrument whose price precision was not
// reported; prices pass through unrounded.
const UnknownDigits = -1

// ErrUnknownSymbol reports an instrument name with no mapping on the
// broker account. Callers match it with errors.Is.
var ErrUnknownSymbol = errors.New("symbols: unknown symbol")

// Spec is the per-instrument specification the replication core needs.
// Volume fields are in the broker's native integral unit; zero means the
// broker did not report the value.
type Spec struct {
	ID          int64
	Name        string
	Digits      int // UnknownDigits when not reported
	PipPosition int
	LotSize     int64 // units per lot
	MinVolume   int64
	MaxVolume   int64
	StepVolume  int64
	TickValue   float64 // money value of one tick for one lot
}

// Catalog maps instrument names to broker ids and ids to specifications.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]int64
	specs  map[int64]Spec
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byName: make(map[string]int64),
		specs:  make(map[int64]Spec),
	}
}

// Replace swaps in a fresh symbol set. Called after every successful
// account authorization.
func (c *Catalog) Replace(specs []Spec) {
	byName := make(map[string]int64, len(specs))
	byID := make(map[int64]Spec, len(specs))
	for _, s := range specs {
		name := strings.ToUpper(s.Name)
		s.Name = name
		byName[name] = s.ID
		byID[s.ID] = s
	}

	c.mu.Lock()
	c.byName = byName
	c.specs = byID
	c.mu.Unlock()
}

// Clear drops all symbols. Called on disconnect.
func (c *Catalog) Clear() {
	c.mu.Lock()
	c.byName = make(map[string]int64)
	c.specs = make(map[int64]Spec)
	c.mu.Unlock()
}

// IDByName looks up a broker symbol id by upper-cased name.
// The catalog never fabricates ids: a miss is a miss.
func (c *Catalog) IDByName(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[strings.ToUpper(name)]
	return id, ok
}

// SpecByID returns the specification for a symbol id.
func (c *Catalog) SpecByID(id int64) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[id]
	return s, ok
}

// Len reports how many symbols are loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}
