package document

import (
	"sync"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
)

// Field limits for collaborative memory documents.
const (
	MaxTitleLength   = 200
	MaxContentLength = 10000
	MaxTags          = 20
	MaxTagLength     = 50
)

// protectedMetadataKeys cannot be written through collaborative edits. They
// are owned by the storage layer.
var protectedMetadataKeys = map[string]bool{
	"created_at": true,
	"memory_id":  true,
	"version":    true,
}

// metadataTitleKey routes metadata writes of the document title through the
// title register so its length limit applies.
const metadataTitleKey = "title"

// Document is the collaborative state of one memory: a CRDT text body, an
// LWW title, LWW metadata entries, and an OR-Set of tags. Every accepted
// operation bumps the version exactly once.
type Document struct {
	mu sync.Mutex

	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	content  *TextCRDT
	title    *crdt.LWWRegister
	metadata map[string]*crdt.LWWRegister
	tags     *crdt.ORSet

	version       uint64
	collaborators map[string]bool
	states        *ot.StateVector

	createdAt time.Time
	updatedAt time.Time
	dirty     bool
}

// NewDocument creates an empty document owned by the given node.
func NewDocument(id, tenantID string, nodeID crdt.NodeID) *Document {
	ts := now().UTC()
	return &Document{
		ID:            id,
		TenantID:      tenantID,
		content:       NewTextCRDT(nodeID),
		title:         crdt.NewLWWRegister(),
		metadata:      make(map[string]*crdt.LWWRegister),
		tags:          crdt.NewORSet(),
		collaborators: make(map[string]bool),
		states:        ot.NewStateVector(),
		createdAt:     ts,
		updatedAt:     ts,
	}
}

// ApplyResult reports what an accepted operation did to the document.
type ApplyResult struct {
	Version   uint64    `json:"version"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"applied_at"`
}

// Apply validates and applies one operation. Operations must arrive in
// per-author sequence order; out-of-order operations are rejected so the
// caller can buffer and retry them. Text operations applied for the first
// time gain a placement, which the caller must forward to other replicas.
func (d *Document) Apply(op *ot.Operation) (*ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.states.CanApply(*op) {
		return nil, apperrors.New(apperrors.CodeConflictDetected,
			"operation out of sequence for author "+op.AuthorID, apperrors.ClassConflict).
			WithMetadata("expected_sequence", "last+1")
	}

	var err error
	switch op.Target {
	case ot.TargetText:
		err = d.applyText(op)
	case ot.TargetMetadata, ot.TargetObject, ot.TargetAttribute:
		err = d.applyMetadata(*op)
	case ot.TargetArray:
		err = d.applyTags(*op)
	default:
		err = apperrors.NewValidation(apperrors.CodeValidationFailed, "unsupported operation target: "+string(op.Target))
	}
	if err != nil {
		return nil, err
	}

	d.states.Record(*op)
	d.collaborators[op.AuthorID] = true
	d.version++
	d.updatedAt = now().UTC()
	d.dirty = true

	return &ApplyResult{Version: d.version, Applied: true, AppliedAt: d.updatedAt}, nil
}

func (d *Document) applyText(op *ot.Operation) error {
	projected := d.content.Len()
	switch op.Kind {
	case ot.KindInsert:
		projected += len([]rune(op.Content))
	case ot.KindReplace:
		projected += len([]rune(op.Content)) - op.Length
	}
	if projected > MaxContentLength {
		return apperrors.New(apperrors.CodeFieldLimitExceeded,
			"content would exceed the maximum document length", apperrors.ClassValidation)
	}
	return d.content.Apply(op)
}

func (d *Document) applyMetadata(op ot.Operation) error {
	if len(op.Attributes) == 0 {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "metadata operation carries no attributes")
	}

	for key := range op.Attributes {
		if protectedMetadataKeys[key] {
			return apperrors.New(apperrors.CodeProtectedField,
				"metadata key is protected: "+key, apperrors.ClassPermission)
		}
	}

	author := crdt.NodeID(op.AuthorID)
	ts := op.Timestamp
	if ts.IsZero() {
		ts = now().UTC()
	}
	for key, value := range op.Attributes {
		if op.Kind == ot.KindDelete {
			delete(d.metadata, key)
			continue
		}
		if key == metadataTitleKey {
			title, ok := value.(string)
			if !ok {
				return apperrors.NewValidation(apperrors.CodeValidationFailed, "title must be a string")
			}
			if len(title) > MaxTitleLength {
				return apperrors.New(apperrors.CodeFieldLimitExceeded,
					"title exceeds the maximum length", apperrors.ClassValidation)
			}
			d.title.Set(title, ts, author)
			continue
		}
		reg, ok := d.metadata[key]
		if !ok {
			reg = crdt.NewLWWRegister()
			d.metadata[key] = reg
		}
		reg.Set(value, ts, author)
	}
	return nil
}

func (d *Document) applyTags(op ot.Operation) error {
	switch op.Kind {
	case ot.KindInsert:
		if len(op.Content) > MaxTagLength {
			return apperrors.New(apperrors.CodeFieldLimitExceeded,
				"tag exceeds the maximum length", apperrors.ClassValidation)
		}
		if !d.tags.Contains(op.Content) && len(d.tags.Elements()) >= MaxTags {
			return apperrors.New(apperrors.CodeFieldLimitExceeded,
				"document already has the maximum number of tags", apperrors.ClassValidation)
		}
		d.tags.Add(op.Content)
	case ot.KindDelete:
		d.tags.Remove(op.Content)
	default:
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "tags only support insert and delete")
	}
	return nil
}

// Content returns the current visible document body.
func (d *Document) Content() string {
	return d.content.String()
}

// Title returns the current title, empty when never set.
func (d *Document) Title() string {
	if v, ok := d.title.Get().(string); ok {
		return v
	}
	return ""
}

// Metadata returns the current metadata values.
func (d *Document) Metadata() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]interface{}, len(d.metadata))
	for key, reg := range d.metadata {
		out[key] = reg.Get()
	}
	return out
}

// Tags returns the current tag set.
func (d *Document) Tags() []string {
	return d.tags.Elements()
}

// Version returns the number of accepted operations.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Collaborators returns every author that has ever edited the document.
// Membership is grow-only.
func (d *Document) Collaborators() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.collaborators))
	for id := range d.collaborators {
		out = append(out, id)
	}
	return out
}

// NextSequence returns the sequence number the given author must use for
// their next operation.
func (d *Document) NextSequence(authorID string) uint64 {
	return d.states.Sequence(authorID) + 1
}

// Snapshot is the persisted form of a document.
type Snapshot struct {
	ID            string                           `json:"id"`
	TenantID      string                           `json:"tenant_id"`
	Version       uint64                           `json:"version"`
	Content       TextSnapshot                     `json:"content"`
	Title         crdt.RegisterSnapshot            `json:"title"`
	Metadata      map[string]crdt.RegisterSnapshot `json:"metadata"`
	Tags          map[string][]string              `json:"tags"`
	Collaborators []string                         `json:"collaborators"`
	States        map[string]uint64                `json:"states"`
	CreatedAt     time.Time                        `json:"created_at"`
	UpdatedAt     time.Time                        `json:"updated_at"`
}

// Snapshot captures the document for persistence and clears the dirty flag.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		ID:        d.ID,
		TenantID:  d.TenantID,
		Version:   d.version,
		Content:   d.content.Snapshot(),
		Title:     d.title.Snapshot(),
		Metadata:  make(map[string]crdt.RegisterSnapshot, len(d.metadata)),
		Tags:      d.tags.Snapshot(),
		States:    d.states.Snapshot(),
		CreatedAt: d.createdAt,
		UpdatedAt: d.updatedAt,
	}
	for key, reg := range d.metadata {
		snap.Metadata[key] = reg.Snapshot()
	}
	for id := range d.collaborators {
		snap.Collaborators = append(snap.Collaborators, id)
	}
	d.dirty = false
	return snap
}

// Dirty reports whether the document changed since the last snapshot.
func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Restore rebuilds a document from a persisted snapshot.
func Restore(snap Snapshot, nodeID crdt.NodeID) *Document {
	d := NewDocument(snap.ID, snap.TenantID, nodeID)
	d.version = snap.Version
	d.content = RestoreTextCRDT(snap.Content)
	d.title = crdt.RestoreLWWRegister(snap.Title)
	for key, reg := range snap.Metadata {
		d.metadata[key] = crdt.RestoreLWWRegister(reg)
	}
	d.tags = crdt.RestoreORSet(snap.Tags)
	d.states = ot.RestoreStateVector(snap.States)
	for _, id := range snap.Collaborators {
		d.collaborators[id] = true
	}
	d.createdAt = snap.CreatedAt
	d.updatedAt = snap.UpdatedAt
	return d
}
