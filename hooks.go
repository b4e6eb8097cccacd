package docdb

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ValidationFunc inspects a revision about to be stored. Returning an error,
// or panicking, rejects the write with StatusForbidden.
type ValidationFunc func(newRev *Revision, ctx *ValidationContext) error

// FilterFunc decides whether a revision is included in a change listing.
// A panic counts as false.
type FilterFunc func(rev *Revision, params map[string]any) bool

type ValidationContext struct {
	current *Revision
	newRev  *Revision
	source  string
}

// CurrentRevision returns the parent of the revision being validated, or nil
// for a new document.
func (vc *ValidationContext) CurrentRevision() *Revision {
	return vc.current
}

// Source is the replication source for ForceInsert, empty for local writes.
func (vc *ValidationContext) Source() string {
	return vc.source
}

// ChangedKeys lists the properties that differ from the current revision,
// sorted.
func (vc *ValidationContext) ChangedKeys() []string {
	var oldProps map[string]any
	if vc.current != nil {
		oldProps = vc.current.Properties()
	}
	newProps := vc.newRev.Properties()
	var keys []string
	for k, v := range newProps {
		if k == "_rev" {
			continue
		}
		if ov, ok := oldProps[k]; !ok || !valuesEqual(ov, v) {
			keys = append(keys, k)
		}
	}
	for k := range oldProps {
		if _, ok := newProps[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func valuesEqual(a, b any) bool {
	ja, err1 := canonicalJSON(a)
	jb, err2 := canonicalJSON(b)
	return err1 == nil && err2 == nil && string(ja) == string(jb)
}

// hooks is shared by every handle opened on the same core.
type hooks struct {
	mu          sync.RWMutex
	validations map[string]ValidationFunc
	order       []string
	filters     map[string]FilterFunc
}

func newHooks() *hooks {
	return &hooks{
		validations: make(map[string]ValidationFunc),
		filters:     make(map[string]FilterFunc),
	}
}

// SetValidation registers fn under name, replacing any previous function.
// A nil fn removes it.
func (db *Database) SetValidation(name string, fn ValidationFunc) {
	h := db.core.hooks
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.validations, name)
		h.order = slices.DeleteFunc(h.order, func(s string) bool { return s == name })
		return
	}
	if _, exists := h.validations[name]; !exists {
		h.order = append(h.order, name)
	}
	h.validations[name] = fn
}

func (db *Database) Validation(name string) ValidationFunc {
	h := db.core.hooks
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.validations[name]
}

// SetFilter registers fn under name. A nil fn removes it.
func (db *Database) SetFilter(name string, fn FilterFunc) {
	h := db.core.hooks
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.filters, name)
	} else {
		h.filters[name] = fn
	}
}

func (db *Database) Filter(name string) FilterFunc {
	h := db.core.hooks
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filters[name]
}

func (h *hooks) validationFuncs() []ValidationFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fns := make([]ValidationFunc, 0, len(h.order))
	for _, name := range h.order {
		fns = append(fns, h.validations[name])
	}
	return fns
}

// validate runs every registered validation in registration order and stops
// at the first rejection.
func (h *hooks) validate(newRev *Revision, vc *ValidationContext) error {
	for _, fn := range h.validationFuncs() {
		if err := callValidation(fn, newRev, vc); err != nil {
			msg := err.Error()
			var e *Error
			if errors.As(err, &e) && e.Status == StatusForbidden && e.Msg != "" {
				msg = e.Msg
			}
			return newErr(StatusForbidden, "validate", newRev.docID, newRev.revID, err, "%s", msg)
		}
	}
	return nil
}

func callValidation(fn ValidationFunc, newRev *Revision, vc *ValidationContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("validation panicked: %v", p)
		}
	}()
	return fn(newRev, vc)
}

func callFilter(fn FilterFunc, rev *Revision, params map[string]any) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			rev.db.core.logger.Sugar().Warnf("db: filter panicked on %s: %v", rev, p)
			ok = false
		}
	}()
	return fn(rev, params)
}
