// Package ot implements the server-side operational transformation engine:
// string documents with versioned batch history, the pairwise transform
// rules, and cursor re-derivation after each applied batch.
package ot

import (
	"errors"
	"fmt"
)

// OpType tags one edit operation.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
)

// Op is a single edit. Insert carries Text, delete and retain carry Count.
type Op struct {
	Type     OpType `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// Batch is an atomic group of operations composed against one document
// version. Source distinguishes user edits from undo/redo and server edits.
type Batch struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Version    int    `json:"version"`
	Ops        []Op   `json:"ops"`
	Source     string `json:"source,omitempty"`
}

var errEmptyBatch = errors.New("batch has no operations")

// Validate checks the structural invariants of every op in the batch.
func (b *Batch) Validate() error {
	if len(b.Ops) == 0 {
		return errEmptyBatch
	}
	if b.Version < 0 {
		return fmt.Errorf("negative batch version %d", b.Version)
	}
	for i, op := range b.Ops {
		if err := op.validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func (op Op) validate() error {
	if op.Position < 0 {
		return fmt.Errorf("negative position %d", op.Position)
	}
	switch op.Type {
	case OpInsert:
		if op.Text == "" {
			return errors.New("insert with empty text")
		}
	case OpDelete, OpRetain:
		if op.Count <= 0 {
			return fmt.Errorf("%s with non-positive count %d", op.Type, op.Count)
		}
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	return nil
}

// clone returns a copy of the batch with its own op slice.
func (b *Batch) clone() *Batch {
	cp := *b
	cp.Ops = append([]Op{}, b.Ops...)
	return &cp
}
