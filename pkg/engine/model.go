package engine

import (
	"errors"
	"fmt"
	"sort"
)

// SyncModel is the materialized sync configuration: connected systems,
// metaverse object types and sync rules, indexed by ID.
type SyncModel struct {
	systems   map[string]*ConnectedSystem
	mvTypes   map[string]*ObjectType
	rules     []*SyncRule
	systemIDs []string
}

// NewSyncModel indexes the given definitions. Rules keep their given order.
func NewSyncModel(systems []*ConnectedSystem, metaverseTypes []*ObjectType, rules []*SyncRule) *SyncModel {
	m := &SyncModel{
		systems: make(map[string]*ConnectedSystem, len(systems)),
		mvTypes: make(map[string]*ObjectType, len(metaverseTypes)),
		rules:   rules,
	}
	for _, s := range systems {
		m.systems[s.ID] = s
		m.systemIDs = append(m.systemIDs, s.ID)
	}
	sort.Strings(m.systemIDs)
	for _, t := range metaverseTypes {
		m.mvTypes[t.ID] = t
	}
	return m
}

// ConnectedSystem returns the connected system with the given ID.
func (m *SyncModel) ConnectedSystem(id string) (*ConnectedSystem, bool) {
	s, ok := m.systems[id]
	return s, ok
}

// ConnectedSystemIDs returns every connected system ID, sorted.
func (m *SyncModel) ConnectedSystemIDs() []string {
	return append([]string(nil), m.systemIDs...)
}

// MetaverseType returns the metaverse object type with the given ID.
func (m *SyncModel) MetaverseType(id string) (*ObjectType, bool) {
	t, ok := m.mvTypes[id]
	return t, ok
}

// Materialize sets mvo.Type from the model. Type stays nil if the type is unknown.
func (m *SyncModel) Materialize(mvo *MetaverseObject) {
	if mvo == nil {
		return
	}
	mvo.Type = m.mvTypes[mvo.TypeID]
}

// ObjectTypeFor returns the connected system object type of cso.
func (m *SyncModel) ObjectTypeFor(cso *ConnectedSystemObject) (*ObjectType, bool) {
	s, ok := m.systems[cso.ConnectedSystemID]
	if !ok {
		return nil, false
	}
	return s.ObjectType(cso.ObjectTypeID)
}

// Rules returns every sync rule.
func (m *SyncModel) Rules() []*SyncRule {
	return m.rules
}

// ImportRules returns the enabled import rules for a connected system object type.
func (m *SyncModel) ImportRules(systemID, objectTypeID string) []*SyncRule {
	var out []*SyncRule
	for _, r := range m.rules {
		if r.Enabled && r.Direction == SyncRuleDirectionImport &&
			r.ConnectedSystemID == systemID && r.ObjectTypeID == objectTypeID {
			out = append(out, r)
		}
	}
	return out
}

// ExportRules returns the enabled export rules for a metaverse object type.
func (m *SyncModel) ExportRules(metaverseTypeID string) []*SyncRule {
	var out []*SyncRule
	for _, r := range m.rules {
		if r.Enabled && r.Direction == SyncRuleDirectionExport && r.MetaverseObjectTypeID == metaverseTypeID {
			out = append(out, r)
		}
	}
	return out
}

// ExportRulesForSystem returns the enabled export rules targeting a connected system.
func (m *SyncModel) ExportRulesForSystem(systemID string) []*SyncRule {
	var out []*SyncRule
	for _, r := range m.rules {
		if r.Enabled && r.Direction == SyncRuleDirectionExport && r.ConnectedSystemID == systemID {
			out = append(out, r)
		}
	}
	return out
}

// MatchingRules returns the ordered matching rules that apply to a connected system object type.
func (m *SyncModel) MatchingRules(systemID, objectTypeID string) []MatchingRule {
	s, ok := m.systems[systemID]
	if !ok {
		return nil
	}

	var rules []MatchingRule
	if s.MatchingRuleMode == MatchingRuleModeSyncRule {
		for _, r := range m.ImportRules(systemID, objectTypeID) {
			for _, mr := range r.MatchingRules {
				if mr.MetaverseObjectTypeID == "" {
					mr.MetaverseObjectTypeID = r.MetaverseObjectTypeID
				}
				rules = append(rules, mr)
			}
		}
	} else if t, ok := s.ObjectType(objectTypeID); ok {
		rules = append(rules, t.MatchingRules...)
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
	return rules
}

// Validate checks that every reference in the model resolves.
func (m *SyncModel) Validate() error {
	var errs []error
	for _, s := range m.systems {
		if err := s.MatchingRuleMode.Validate(); err != nil && s.MatchingRuleMode != "" {
			errs = append(errs, fmt.Errorf("connected system %s: %w", s.ID, err))
		}
		for _, t := range s.ObjectTypes {
			if len(t.ExternalIDAttributes) == 0 {
				errs = append(errs, fmt.Errorf("connected system %s object type %s: no external id attributes", s.ID, t.Name))
			}
			for _, id := range t.ExternalIDAttributes {
				if _, ok := t.Attribute(id); !ok {
					errs = append(errs, fmt.Errorf("connected system %s object type %s: unknown external id attribute %s", s.ID, t.Name, id))
				}
			}
			for _, a := range t.Attributes {
				if err := a.Type.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("connected system %s attribute %s: %w", s.ID, a.Name, err))
				}
			}
		}
	}

	for _, r := range m.rules {
		if err := r.Direction.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sync rule %s: %w", r.Name, err))
			continue
		}
		s, ok := m.systems[r.ConnectedSystemID]
		if !ok {
			errs = append(errs, fmt.Errorf("sync rule %s: unknown connected system %s", r.Name, r.ConnectedSystemID))
			continue
		}
		csType, ok := s.ObjectType(r.ObjectTypeID)
		if !ok {
			errs = append(errs, fmt.Errorf("sync rule %s: unknown object type %s", r.Name, r.ObjectTypeID))
			continue
		}
		mvType, ok := m.mvTypes[r.MetaverseObjectTypeID]
		if !ok {
			errs = append(errs, fmt.Errorf("sync rule %s: unknown metaverse object type %s", r.Name, r.MetaverseObjectTypeID))
			continue
		}

		sourceType, targetType := csType, mvType
		if r.Direction == SyncRuleDirectionExport {
			sourceType, targetType = mvType, csType
		}
		for _, mp := range r.Mappings {
			if _, ok := targetType.Attribute(mp.TargetAttributeID); !ok {
				errs = append(errs, fmt.Errorf("sync rule %s: unknown target attribute %s", r.Name, mp.TargetAttributeID))
			}
			if len(mp.Sources) == 0 {
				errs = append(errs, fmt.Errorf("sync rule %s: mapping %s has no sources", r.Name, mp.TargetAttributeID))
			}
			for _, src := range mp.Sources {
				if src.IsExpression() {
					continue
				}
				if _, ok := sourceType.Attribute(src.AttributeID); !ok {
					errs = append(errs, fmt.Errorf("sync rule %s: unknown source attribute %s", r.Name, src.AttributeID))
				}
			}
		}
	}

	return errors.Join(errs...)
}

var _ ObjectTypeResolver = (*SyncModel)(nil)
