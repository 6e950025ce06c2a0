package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memRepo is an in-memory Repository. Transactions are serialized and roll
// back on error.
type memRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	csos map[string]*ConnectedSystemObject
	mvos map[string]*MetaverseObject
	pes  map[string]*PendingExport

	// allowDuplicates disables the one-export-per-object constraint so tests
	// can plant corrupt data.
	allowDuplicates bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		csos: make(map[string]*ConnectedSystemObject),
		mvos: make(map[string]*MetaverseObject),
		pes:  make(map[string]*PendingExport),
	}
}

func (r *memRepo) Atomically(ctx context.Context, fn func(repo Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	csos, mvos, pes := r.snapshot()
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.csos, r.mvos, r.pes = csos, mvos, pes
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepo) snapshot() (map[string]*ConnectedSystemObject, map[string]*MetaverseObject, map[string]*PendingExport) {
	csos := make(map[string]*ConnectedSystemObject, len(r.csos))
	for id, o := range r.csos {
		csos[id] = o.Clone()
	}
	mvos := make(map[string]*MetaverseObject, len(r.mvos))
	for id, o := range r.mvos {
		mvos[id] = o.Clone()
	}
	pes := make(map[string]*PendingExport, len(r.pes))
	for id, pe := range r.pes {
		pes[id] = pe.Clone()
	}
	return csos, mvos, pes
}

func (r *memRepo) GetConnectedObject(_ context.Context, id string) (*ConnectedSystemObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.csos[id]
	if !ok {
		return nil, fmt.Errorf("connected system object %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (r *memRepo) FindConnectedObjectByExternalID(_ context.Context, systemID, objectTypeID, externalID string) (*ConnectedSystemObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.csos {
		if o.ConnectedSystemID == systemID && o.ObjectTypeID == objectTypeID && o.ExternalID == externalID {
			return o.Clone(), nil
		}
	}
	return nil, fmt.Errorf("external id %s: %w", externalID, ErrNotFound)
}

func (r *memRepo) ListConnectedObjects(_ context.Context, systemID string) ([]*ConnectedSystemObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConnectedSystemObject
	for _, o := range r.csos {
		if o.ConnectedSystemID == systemID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListConnectedObjectsByIDs(_ context.Context, ids []string) ([]*ConnectedSystemObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConnectedSystemObject
	seen := make(map[string]bool)
	for _, id := range ids {
		if o, ok := r.csos[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (r *memRepo) ListConnectedObjectsForMetaverseObjects(_ context.Context, metaverseIDs []string) ([]*ConnectedSystemObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]bool, len(metaverseIDs))
	for _, id := range metaverseIDs {
		want[id] = true
	}
	var out []*ConnectedSystemObject
	for _, o := range r.csos {
		if o.MetaverseObjectID != "" && want[o.MetaverseObjectID] {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) SaveConnectedObject(_ context.Context, cso *ConnectedSystemObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.csos[cso.ID] = cso.Clone()
	return nil
}

func (r *memRepo) GetMetaverseObject(_ context.Context, id string) (*MetaverseObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.mvos[id]
	if !ok {
		return nil, fmt.Errorf("metaverse object %s: %w", id, ErrNotFound)
	}
	c := o.Clone()
	c.Type = nil
	return c, nil
}

func (r *memRepo) FindMetaverseObjectsByAttribute(_ context.Context, typeID, attributeID string, value Value, caseSensitive bool) ([]*MetaverseObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MetaverseObject
	for _, o := range r.mvos {
		if o.TypeID != typeID {
			continue
		}
		for _, v := range o.Attributes.Get(attributeID) {
			if ValuesEqual(v, value, caseSensitive) {
				c := o.Clone()
				c.Type = nil
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) SaveMetaverseObject(_ context.Context, mvo *MetaverseObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := mvo.Clone()
	c.Type = nil
	r.mvos[mvo.ID] = c
	return nil
}

func (r *memRepo) GetPendingExport(_ context.Context, id string) (*PendingExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.pes[id]
	if !ok {
		return nil, fmt.Errorf("pending export %s: %w", id, ErrNotFound)
	}
	return pe.Clone(), nil
}

func (r *memRepo) ListPendingExportsForObject(_ context.Context, csoID string) ([]*PendingExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingExport
	for _, pe := range r.pes {
		if pe.ConnectedSystemObjectID == csoID {
			out = append(out, pe.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListPendingExports(_ context.Context, systemID string) ([]*PendingExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingExport
	for _, pe := range r.pes {
		if systemID == "" || pe.ConnectedSystemID == systemID {
			out = append(out, pe.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListDuePendingExports(_ context.Context, systemID string, now time.Time) ([]*PendingExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingExport
	for _, pe := range r.pes {
		if pe.ConnectedSystemID == systemID && pe.IsEligibleForExecution(now) {
			out = append(out, pe.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CreatePendingExport(_ context.Context, pe *PendingExport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allowDuplicates {
		n := 0
		for _, existing := range r.pes {
			if existing.ConnectedSystemObjectID == pe.ConnectedSystemObjectID {
				n++
			}
		}
		if n > 0 {
			return DuplicatePendingExportError(pe.ConnectedSystemObjectID, n).WithOperation("insert")
		}
	}
	r.pes[pe.ID] = pe.Clone()
	return nil
}

func (r *memRepo) UpdatePendingExport(_ context.Context, pe *PendingExport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pes[pe.ID]; !ok {
		return fmt.Errorf("pending export %s: %w", pe.ID, ErrNotFound)
	}
	r.pes[pe.ID] = pe.Clone()
	return nil
}

func (r *memRepo) DeletePendingExport(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pes, id)
	return nil
}

// helpers for assertions

func (r *memRepo) cso(id string) *ConnectedSystemObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.csos[id]; ok {
		return o.Clone()
	}
	return nil
}

func (r *memRepo) mvo(id string) *MetaverseObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.mvos[id]; ok {
		return o.Clone()
	}
	return nil
}

func (r *memRepo) exportsFor(csoID string) []*PendingExport {
	out, _ := r.ListPendingExportsForObject(context.Background(), csoID)
	return out
}

func (r *memRepo) allExports() []*PendingExport {
	out, _ := r.ListPendingExports(context.Background(), "")
	return out
}

func (r *memRepo) objectsOf(systemID string) []*ConnectedSystemObject {
	out, _ := r.ListConnectedObjects(context.Background(), systemID)
	return out
}

var _ Repository = (*memRepo)(nil)
