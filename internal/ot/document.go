package ot

import (
	"fmt"
	"sort"
	"sync"
)

// VersionMismatchError reports a batch composed against the wrong version.
type VersionMismatchError struct {
	Expected int
	Got      int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: document at %d, batch composed against %d", e.Expected, e.Got)
}

// Checkpoint is a content snapshot taken every checkpointInterval versions so
// historical replay never starts from the empty string.
type Checkpoint struct {
	Version int
	Content string
}

// Document is the authoritative copy of one collaborative document: content,
// version, and the ordered batch history. All methods are safe for concurrent
// use; a single mutex guards the whole document.
type Document struct {
	mu sync.Mutex

	id          string
	content     string
	version     int
	history     []*Batch
	checkpoints []Checkpoint

	checkpointInterval int
}

// NewDocument creates a document at version 0 with the given content.
func NewDocument(id, content string, checkpointInterval int) *Document {
	if checkpointInterval <= 0 {
		checkpointInterval = 100
	}
	return &Document{
		id:                 id,
		content:            content,
		version:            0,
		checkpoints:        []Checkpoint{{Version: 0, Content: content}},
		checkpointInterval: checkpointInterval,
	}
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// Snapshot returns the current content and version together.
func (d *Document) Snapshot() (string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.version
}

// Content returns the current content.
func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Version returns the current version.
func (d *Document) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// ApplyBatch applies a batch composed against the current version. Ops apply
// in descending position order so earlier positions are unaffected by later
// edits in the same batch. Returns the new version.
func (d *Document) ApplyBatch(batch *Batch) (int, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if batch.Version != d.version {
		return 0, &VersionMismatchError{Expected: d.version, Got: batch.Version}
	}
	return d.applyLocked(batch)
}

// ApplyWithTransform is the server-side ingest path: a batch composed against
// an older version is transformed through every batch applied since, then
// applied at the head. Returns the transformed batch (as broadcast to peers)
// and the new version. Already-applied batches win position ties.
func (d *Document) ApplyWithTransform(batch *Batch) (*Batch, int, error) {
	if err := batch.Validate(); err != nil {
		return nil, 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if batch.Version > d.version {
		return nil, 0, &VersionMismatchError{Expected: d.version, Got: batch.Version}
	}

	transformed := batch
	for _, applied := range d.history {
		if applied.Version < batch.Version {
			continue
		}
		transformed = TransformBatch(transformed, applied, PriorityRight)
	}
	transformed = transformed.clone()
	transformed.Version = d.version

	if len(transformed.Ops) == 0 {
		// Every op was subsumed by concurrent edits; nothing to apply, but the
		// submitter still needs a version to converge on. Record the empty
		// batch so history stays contiguous.
		d.version++
		d.history = append(d.history, transformed)
		d.maybeCheckpointLocked()
		return transformed, d.version, nil
	}

	newVersion, err := d.applyLocked(transformed)
	if err != nil {
		return nil, 0, err
	}
	return transformed, newVersion, nil
}

func (d *Document) applyLocked(batch *Batch) (int, error) {
	// Descending position order within the batch.
	ops := append([]Op{}, batch.Ops...)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Position > ops[j].Position })

	content := d.content
	for _, op := range ops {
		next, err := applyOp(content, op)
		if err != nil {
			return 0, err
		}
		content = next
	}

	d.content = content
	d.version++
	d.history = append(d.history, batch)
	d.maybeCheckpointLocked()
	return d.version, nil
}

func (d *Document) maybeCheckpointLocked() {
	if d.version%d.checkpointInterval == 0 {
		d.checkpoints = append(d.checkpoints, Checkpoint{Version: d.version, Content: d.content})
	}
}

func applyOp(content string, op Op) (string, error) {
	switch op.Type {
	case OpInsert:
		if op.Position > len(content) {
			return "", fmt.Errorf("insert position %d beyond length %d", op.Position, len(content))
		}
		return content[:op.Position] + op.Text + content[op.Position:], nil
	case OpDelete:
		if op.Position+op.Count > len(content) {
			return "", fmt.Errorf("delete range [%d,%d) beyond length %d", op.Position, op.Position+op.Count, len(content))
		}
		return content[:op.Position] + content[op.Position+op.Count:], nil
	case OpRetain:
		return content, nil
	}
	return "", fmt.Errorf("unknown op type %q", op.Type)
}

// HistorySince returns the batches applied at or after the given version, in
// apply order.
func (d *Document) HistorySince(version int) []*Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Batch
	for _, b := range d.history {
		if b.Version >= version {
			out = append(out, b)
		}
	}
	return out
}

// ContentAt replays history from the nearest checkpoint to reconstruct the
// content at a past version.
func (d *Document) ContentAt(version int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if version < 0 || version > d.version {
		return "", fmt.Errorf("version %d out of range [0,%d]", version, d.version)
	}
	if version == d.version {
		return d.content, nil
	}

	cp := d.checkpoints[0]
	for _, candidate := range d.checkpoints {
		if candidate.Version <= version && candidate.Version > cp.Version {
			cp = candidate
		}
	}

	content := cp.Content
	for _, b := range d.history {
		if b.Version < cp.Version || b.Version >= version {
			continue
		}
		ops := append([]Op{}, b.Ops...)
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].Position > ops[j].Position })
		for _, op := range ops {
			next, err := applyOp(content, op)
			if err != nil {
				return "", fmt.Errorf("replay to version %d: %w", version, err)
			}
			content = next
		}
	}
	return content, nil
}
