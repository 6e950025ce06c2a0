package engine

// ReferenceIndex translates reference values between connected system object
// IDs and metaverse object IDs. It is built from objects loaded up front so
// flow evaluation and drift detection never query storage.
type ReferenceIndex struct {
	objects     map[string]*ConnectedSystemObject
	bySystemMVO map[string]*ConnectedSystemObject
}

// NewReferenceIndex builds an index over the given objects.
func NewReferenceIndex(objects ...*ConnectedSystemObject) *ReferenceIndex {
	idx := &ReferenceIndex{
		objects:     make(map[string]*ConnectedSystemObject, len(objects)),
		bySystemMVO: make(map[string]*ConnectedSystemObject, len(objects)),
	}
	for _, o := range objects {
		idx.Add(o)
	}
	return idx
}

// Add indexes one object, replacing any earlier entry with the same ID.
func (i *ReferenceIndex) Add(o *ConnectedSystemObject) {
	if o == nil {
		return
	}
	i.objects[o.ID] = o
	if o.IsJoined() && o.Status != ObjectStatusObsolete {
		i.bySystemMVO[o.ConnectedSystemID+"/"+o.MetaverseObjectID] = o
	}
}

// MetaverseID returns the metaverse object the given connected system object is joined to.
func (i *ReferenceIndex) MetaverseID(csoID string) (string, bool) {
	if i == nil {
		return "", false
	}
	o, ok := i.objects[csoID]
	if !ok || !o.IsJoined() {
		return "", false
	}
	return o.MetaverseObjectID, true
}

// ObjectFor returns the object in a connected system joined to the given metaverse object.
func (i *ReferenceIndex) ObjectFor(systemID, metaverseID string) (*ConnectedSystemObject, bool) {
	if i == nil {
		return nil, false
	}
	o, ok := i.bySystemMVO[systemID+"/"+metaverseID]
	return o, ok
}

// toMetaverseSpace rewrites a connected system reference into metaverse-id space.
// A reference to an object that is not joined is dropped, unless keepUnjoined
// is set, in which case the object ID is kept as the unresolved part so it
// never compares equal to a metaverse reference.
func (i *ReferenceIndex) toMetaverseSpace(v Value, keepUnjoined bool) (Value, bool) {
	ref, ok := v.(ReferenceValue)
	if !ok {
		return v, true
	}
	if ref.ObjectID != "" {
		if mvoID, ok := i.MetaverseID(ref.ObjectID); ok {
			return ReferenceValue{ObjectID: mvoID}, true
		}
	}
	if !keepUnjoined {
		return nil, false
	}
	if ref.ObjectID != "" {
		return ReferenceValue{Unresolved: ref.ObjectID}, true
	}
	return ref, true
}

// toTargetSpace rewrites a metaverse reference into a reference to the joined
// object in systemID. The second result is false when the referenced object
// is absent from the system or has not been confirmed by its connector yet.
func (i *ReferenceIndex) toTargetSpace(v Value, systemID string) (Value, bool) {
	ref, ok := v.(ReferenceValue)
	if !ok {
		return v, true
	}
	mvoID := ref.ObjectID
	if mvoID == "" {
		mvoID = ref.Unresolved
	}
	o, found := i.ObjectFor(systemID, mvoID)
	if !found {
		return ReferenceValue{Unresolved: mvoID}, false
	}
	if o.Status == ObjectStatusPendingProvisioning {
		return ReferenceValue{ObjectID: o.ID, Unresolved: mvoID}, false
	}
	return ReferenceValue{ObjectID: o.ID}, true
}
