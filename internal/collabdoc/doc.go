// Package collabdoc stands in for the upstream collaboration library that
// spec.md treats as an opaque, third-party-owned wire protocol (§1: "the
// wire schema of document operations itself" is out of scope). It gives the
// Room Engine a concrete, minimal implementation to drive against: an RFC
// 7396 JSON Merge Patch applied to a flat map of top-level shape keys,
// versioned so fresh sessions can be told whether their view is current and
// so a caller can make its write conditional on the version it last saw.
// Note RFC 7396's own recursion rule applies per shape too: if a shape is
// already a JSON object and an incoming update for the same id is also an
// object, their fields merge rather than the update fully clobbering the
// shape — two sessions editing distinct properties of the same shape
// concurrently both survive instead of one stomping the other.
//
// The Engine never branches on the *content* of a message beyond what Doc
// exposes here; everything else about the payload is relayed verbatim.
package collabdoc

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Doc is one room's live document state. The zero value is not usable;
// construct with New or Load. Doc is safe for concurrent use.
type Doc struct {
	mu      sync.RWMutex
	state   json.RawMessage // always a JSON object of shapeID -> shape
	version int64
	closed  bool
}

// envelope is the opaque wire message shape relayed between sessions. Only
// Shapes, Removed, and ExpectedVersion are interpreted by Doc; Op is decoded
// but never checked, and any other field is ignored here. The Room relays the
// original message bytes to other sessions, so a richer payload reaches them
// intact even though Doc keeps only the merged shapes.
type envelope struct {
	Op      string                     `json:"op"`
	Shapes  map[string]json.RawMessage `json:"shapes,omitempty"`
	Removed []string                   `json:"removed,omitempty"`

	// ExpectedVersion, when set, makes the change conditional: it is rejected
	// with *VersionConflictError instead of applied if the document has moved
	// on since the sender last saw it. Grounded on the reference room actor's
	// ApplyPatch(patchBytes, expectedVersion) guard.
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// snapshotDoc is the on-disk / over-the-wire full-state representation
// produced by Snapshot and accepted by Load.
type snapshotDoc struct {
	Version int64                      `json:"version"`
	Shapes  map[string]json.RawMessage `json:"shapes"`
}

var emptyObject = json.RawMessage(`{}`)

// New creates an empty Doc, used when no prior snapshot exists for a room.
func New() *Doc {
	state := make(json.RawMessage, len(emptyObject))
	copy(state, emptyObject)
	return &Doc{state: state}
}

// Load reconstructs a Doc from previously persisted snapshot bytes. Empty
// or malformed bytes fall back to an empty Doc rather than erroring: a
// corrupt snapshot should not prevent a room from being reopened, matching
// the Engine's "snapshot-read failure at load time is no prior state"
// policy in spec.md §4.2.
func Load(snapshot []byte) *Doc {
	if len(snapshot) == 0 {
		return New()
	}
	var sd snapshotDoc
	if err := json.Unmarshal(snapshot, &sd); err != nil {
		return New()
	}
	if sd.Shapes == nil {
		sd.Shapes = make(map[string]json.RawMessage)
	}
	state, err := json.Marshal(sd.Shapes)
	if err != nil {
		return New()
	}
	return &Doc{state: state, version: sd.Version}
}

// ErrClosed is returned by ApplyChange once the Doc has been closed.
var ErrClosed = fmt.Errorf("collabdoc: document closed")

// ErrBadMessage marks a message that failed to parse as an envelope.
var ErrBadMessage = fmt.Errorf("collabdoc: malformed message")

// VersionConflictError is returned by ApplyChange when msg carries an
// ExpectedVersion that no longer matches the document's current version:
// another session committed a change first. Grounded directly on the
// reference room actor's Room.ApplyPatch, which rejects a patch the same
// way before ever decoding it. The caller decides whether to retry against a
// fresh snapshot or surface the conflict to its user.
type VersionConflictError struct {
	CurrentVersion  int64
	ExpectedVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("collabdoc: version conflict: current=%d expected=%d", e.CurrentVersion, e.ExpectedVersion)
}

// ApplyChange applies one inbound message to the document. Shapes named in
// msg.Shapes overwrite/insert; ids named in msg.Removed are deleted. Both are
// folded into a single RFC 7396 JSON Merge Patch document — a removed id
// becomes a `null` value, the merge-patch idiom for "delete this key" — and
// applied via evanphx/json-patch/v5's MergePatch, the same library the
// reference room actor (other_examples' ...ws-room.go.go) imports for patch
// application; that file drives jsonpatch's RFC 6902 Patch type against a
// sequence of path operations, while collabdoc's wire shape is a flat
// shape-key merge, so MergePatch is the fitting entry point from the same
// package rather than DecodePatch/Patch.Apply.
//
// If msg.ExpectedVersion is set and doesn't match the document's current
// version, ApplyChange fails with *VersionConflictError without mutating the
// document. A payload that does not decode as an envelope returns an
// ErrBadMessage-wrapped error so the caller can terminate only the offending
// session (spec.md §4.2: "contained per-Session"). Any JSON object that does
// decode is accepted whatever its op: one with no shapes and no removed ids
// commits as an empty change and still bumps the version.
func (d *Doc) ApplyChange(msg []byte) error {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	mergePatch, err := buildMergePatch(env)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if env.ExpectedVersion != nil && *env.ExpectedVersion != d.version {
		return &VersionConflictError{CurrentVersion: d.version, ExpectedVersion: *env.ExpectedVersion}
	}

	merged, err := jsonpatch.MergePatch(d.state, mergePatch)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	d.state = merged
	d.version++
	return nil
}

// buildMergePatch translates an envelope's Shapes/Removed fields into a
// single RFC 7396 merge document: surviving/updated shapes verbatim, removed
// ids mapped to JSON null.
func buildMergePatch(env envelope) ([]byte, error) {
	patch := make(map[string]json.RawMessage, len(env.Shapes)+len(env.Removed))
	for id, raw := range env.Shapes {
		patch[id] = raw
	}
	for _, id := range env.Removed {
		patch[id] = json.RawMessage(`null`)
	}
	return json.Marshal(patch)
}

// Version returns the current monotonic revision counter.
func (d *Doc) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Snapshot returns a JSON-serialized full-state representation suitable for
// persistence and for reconstructing an equivalent Doc via Load.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var shapes map[string]json.RawMessage
	if err := json.Unmarshal(d.state, &shapes); err != nil {
		return nil, fmt.Errorf("collabdoc: decode document state: %w", err)
	}
	return json.Marshal(snapshotDoc{Version: d.version, Shapes: shapes})
}

// Close renders the Doc terminal: further ApplyChange calls fail with
// ErrClosed. Close is idempotent.
func (d *Doc) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (d *Doc) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
