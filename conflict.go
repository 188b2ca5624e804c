package fieldsync

import "time"

// ConflictPolicy selects how diverged local and remote record copies are
// reconciled.
type ConflictPolicy int

const (
	// ConflictLastWriteWins keeps whichever whole record has the strictly
	// newer timestamp; ties favor remote.
	ConflictLastWriteWins ConflictPolicy = iota
	// ConflictFieldMerge starts from the remote record and overlays the
	// locally-authoritative fields from the local record.
	ConflictFieldMerge
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictFieldMerge:
		return "field_merge"
	default:
		return "last_write_wins"
	}
}

// ConflictResolution records the outcome of one resolved conflict.
type ConflictResolution struct {
	Policy     ConflictPolicy `json:"policy"`
	RemoteWon  bool           `json:"remote_won"`
	Resolved   map[string]any `json:"resolved"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// ConflictResolver decides the winning value when local and remote copies of
// a record diverge. Both policies are pure functions over plain field maps;
// the resolver knows nothing about business schema beyond its allow-list.
type ConflictResolver struct {
	// localFields are fields that are authoritative on this device and are
	// overlaid onto the remote record during a field merge regardless of
	// timestamps. Treated as configuration; the default list covers local
	// sync bookkeeping only and is not assumed exhaustive.
	localFields []string
}

// DefaultLocalFields is the default allow-list of locally-authoritative
// fields for field merges.
var DefaultLocalFields = []string{"synced", "pending_sync", "local_updated_at"}

// NewConflictResolver creates a resolver with the given allow-list; nil uses
// DefaultLocalFields.
func NewConflictResolver(localFields []string) *ConflictResolver {
	if localFields == nil {
		localFields = DefaultLocalFields
	}
	return &ConflictResolver{localFields: localFields}
}

// ResolveLastWriteWins returns the side with the strictly greater timestamp.
// Ties favor remote: it reflects a successfully committed write and is
// treated as authoritative.
func (cr *ConflictResolver) ResolveLastWriteWins(localTS, remoteTS time.Time, local, remote map[string]any) ConflictResolution {
	if localTS.After(remoteTS) {
		return ConflictResolution{
			Policy:     ConflictLastWriteWins,
			RemoteWon:  false,
			Resolved:   copyFields(local),
			ResolvedAt: time.Now(),
		}
	}
	return ConflictResolution{
		Policy:     ConflictLastWriteWins,
		RemoteWon:  true,
		Resolved:   copyFields(remote),
		ResolvedAt: time.Now(),
	}
}

// ResolveFieldMerge starts from the remote record and overlays the
// allow-listed fields from the local record; those fields are never
// meaningful on the remote side.
func (cr *ConflictResolver) ResolveFieldMerge(local, remote map[string]any) ConflictResolution {
	resolved := copyFields(remote)
	for _, field := range cr.localFields {
		if v, ok := local[field]; ok {
			resolved[field] = v
		}
	}
	return ConflictResolution{
		Policy:     ConflictFieldMerge,
		RemoteWon:  true,
		Resolved:   resolved,
		ResolvedAt: time.Now(),
	}
}

// LocalFields returns the configured allow-list.
func (cr *ConflictResolver) LocalFields() []string {
	out := make([]string, len(cr.localFields))
	copy(out, cr.localFields)
	return out
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
