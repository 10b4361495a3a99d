package extract

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for handler registration and lookup.
var (
	ErrHandlerMissing   = errors.New("no handler registered for extract type")
	ErrHandlerDuplicate = errors.New("handler already registered for extract type")
	ErrRegistryFrozen   = errors.New("registry is frozen")
	ErrHandlerInvalid   = errors.New("invalid handler")
)

type (
	// Handler carries the per-extract metadata driving both the raw loader
	// and the staging transformer: target tables, the ordered raw column
	// list, natural keys and the column transformation catalog.
	//
	// Handlers are constructed at startup (usually from the YAML catalog),
	// registered, and immutable thereafter.
	Handler struct {
		// ExtractType names the logical dataset, e.g. "patients".
		ExtractType string

		// TableName is the raw landing table, e.g. "raw.patients".
		TableName string

		// Columns is the ordered raw column list. Field positions from the
		// delimited parser map onto this list.
		Columns []string

		// StagingTable is the typed staging target, e.g. "stg.patients".
		StagingTable string

		// NaturalKeys is the business key tuple used for intra-batch
		// deduplication and the staging upsert conflict target.
		NaturalKeys []string

		// UpdatedAtColumn is the transformed column holding the source
		// update timestamp; the dedup survivor is the row with the newest
		// value. Empty means first-seen wins.
		UpdatedAtColumn string

		// Transformations is the per-column coercion and validation catalog
		// consumed by the transformation engine.
		Transformations []ColumnTransformation
	}

	// Registry is the process-wide handler registry keyed by extract type.
	//
	// Lifecycle: register all handlers at startup, call Freeze, then treat
	// as read-only. Lookups on a frozen registry take no locks beyond a
	// read lock and never mutate state.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]*Handler
		frozen   bool
	}
)

// Validate checks the structural invariants a handler must satisfy before
// registration.
func (h *Handler) Validate() error {
	if h == nil {
		return fmt.Errorf("%w: handler is nil", ErrHandlerInvalid)
	}

	if h.ExtractType == "" {
		return fmt.Errorf("%w: extractType is required", ErrHandlerInvalid)
	}

	if h.TableName == "" {
		return fmt.Errorf("%w: tableName is required", ErrHandlerInvalid)
	}

	if len(h.Columns) == 0 {
		return fmt.Errorf("%w: column list is empty", ErrHandlerInvalid)
	}

	seen := make(map[string]struct{}, len(h.Columns))
	for _, col := range h.Columns {
		if col == "" {
			return fmt.Errorf("%w: empty column name", ErrHandlerInvalid)
		}

		if _, dup := seen[col]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrHandlerInvalid, col)
		}

		seen[col] = struct{}{}
	}

	return nil
}

// NewRegistry creates an empty, unfrozen handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*Handler),
	}
}

// Register adds a handler to the registry. Returns ErrRegistryFrozen after
// Freeze, ErrHandlerDuplicate when the extract type is already registered,
// or a validation error for malformed handlers.
func (r *Registry) Register(h *Handler) error {
	if err := h.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, h.ExtractType)
	}

	if _, exists := r.handlers[h.ExtractType]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerDuplicate, h.ExtractType)
	}

	r.handlers[h.ExtractType] = h

	return nil
}

// Freeze marks the registry read-only. Safe to call multiple times.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Lookup returns the handler for an extract type, or ErrHandlerMissing.
func (r *Registry) Lookup(extractType string) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[extractType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerMissing, extractType)
	}

	return h, nil
}

// ExtractTypes returns the registered extract types in unspecified order.
func (r *Registry) ExtractTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	return types
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}
