package connection

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/model"
)

// Registry tracks channel subscriptions and the desired symbol set. It is
// read-shared; only the owning Session mutates it.
type Registry struct {
	mu sync.RWMutex

	subs  map[string]Subscription
	order []string // subscription ids in insertion order

	symbols map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[string]Subscription),
		symbols: make(map[string]struct{}),
	}
}

// newSubscriptionID returns an id of the form sub_<unix-ms>_<random hex>.
func newSubscriptionID() string {
	return fmt.Sprintf("sub_%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Subscriptions returns a copy of every subscription in insertion order.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		sub := r.subs[id]
		sub.Params = maps.Clone(sub.Params)
		result = append(result, sub)
	}
	return result
}

// Subscription returns the subscription with id.
func (r *Registry) Subscription(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	sub.Params = maps.Clone(sub.Params)
	return sub, true
}

// Symbols returns the symbol set, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedSymbolsLocked()
}

// HasSymbol reports whether symbol is in the symbol set.
func (r *Registry) HasSymbol(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.symbols[model.NormalizeSymbol(symbol)]
	return ok
}

// Counts returns the number of symbols and subscriptions.
func (r *Registry) Counts() (symbols, subscriptions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.symbols), len(r.order)
}

// add stores sub.
func (r *Registry) add(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[sub.ID]; !exists {
		r.order = append(r.order, sub.ID)
	}
	r.subs[sub.ID] = sub
}

// remove deletes the subscription with id. Returns false if unknown.
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// addSymbols adds symbols and returns only those that were not already present.
func (r *Registry) addSymbols(symbols []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, s := range model.NormalizeSymbols(symbols) {
		if _, ok := r.symbols[s]; ok {
			continue
		}
		r.symbols[s] = struct{}{}
		added = append(added, s)
	}
	return added
}

// removeSymbols removes symbols and returns only those that were present.
func (r *Registry) removeSymbols(symbols []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for _, s := range model.NormalizeSymbols(symbols) {
		if _, ok := r.symbols[s]; !ok {
			continue
		}
		delete(r.symbols, s)
		removed = append(removed, s)
	}
	return removed
}

// replay returns the symbol set in sorted chunks of at most chunkSize and
// the subscriptions in insertion order.
func (r *Registry) replay(chunkSize int) ([][]string, []Subscription) {
	if chunkSize < 1 {
		chunkSize = 1
	}

	r.mu.RLock()
	symbols := r.sortedSymbolsLocked()
	r.mu.RUnlock()

	var chunks [][]string
	for start := 0; start < len(symbols); start += chunkSize {
		end := min(start+chunkSize, len(symbols))
		chunks = append(chunks, symbols[start:end])
	}

	return chunks, r.Subscriptions()
}

func (r *Registry) sortedSymbolsLocked() []string {
	result := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}
