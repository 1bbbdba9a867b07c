package ot

// Priority breaks position ties between concurrent inserts. The side that
// arrived at the server first keeps its position; the other shifts right.
type Priority string

const (
	PriorityLeft  Priority = "left"
	PriorityRight Priority = "right"
)

// TransformBatch threads every op of a through every op of b in order,
// producing the version of a that applies after b. Ops subsumed by b drop
// out entirely. priority is a's side of the tie-break.
func TransformBatch(a, b *Batch, priority Priority) *Batch {
	out := a.clone()
	out.Ops = nil
	for _, opA := range a.Ops {
		transformed := &opA
		for _, opB := range b.Ops {
			transformed = transformOp(*transformed, opB, priority == PriorityLeft)
			if transformed == nil {
				break
			}
		}
		if transformed != nil {
			out.Ops = append(out.Ops, *transformed)
		}
	}
	return out
}

// transformOp rewrites a so it applies after b. Returns nil when a is
// subsumed. aWinsTies keeps a's position on equal-position insert pairs.
func transformOp(a, b Op, aWinsTies bool) *Op {
	if a.Type == OpRetain {
		// Retain carries no content change; shift its position like a caret.
		a.Position = transformIndex(a.Position, b, false)
		return &a
	}

	switch b.Type {
	case OpInsert:
		return transformAgainstInsert(a, b, aWinsTies)
	case OpDelete:
		return transformAgainstDelete(a, b)
	case OpRetain:
		return &a
	}
	return &a
}

func transformAgainstInsert(a, b Op, aWinsTies bool) *Op {
	bLen := len(b.Text)

	if a.Type == OpInsert {
		switch {
		case a.Position < b.Position:
			// a is untouched
		case a.Position > b.Position:
			a.Position += bLen
		default:
			if !aWinsTies {
				a.Position += bLen
			}
		}
		return &a
	}

	// a is a delete.
	switch {
	case b.Position <= a.Position:
		a.Position += bLen
	case b.Position >= a.Position+a.Count:
		// insert past the deleted range
	default:
		// insert landed inside the range: the delete grows to cover it
		a.Count += bLen
	}
	return &a
}

func transformAgainstDelete(a, b Op) *Op {
	bEnd := b.Position + b.Count

	if a.Type == OpInsert {
		switch {
		case a.Position <= b.Position:
			// a is untouched
		case a.Position >= bEnd:
			a.Position -= b.Count
		default:
			return nil // insert inside the deleted range is subsumed
		}
		return &a
	}

	// delete vs delete
	aEnd := a.Position + a.Count
	switch {
	case a.Position == b.Position && a.Count == b.Count:
		return nil // identical deletes cancel
	case aEnd <= b.Position:
		// a entirely before b
		return &a
	case a.Position >= bEnd:
		a.Position -= b.Count
		return &a
	case b.Position <= a.Position && aEnd <= bEnd:
		return nil // b fully contains a
	case a.Position <= b.Position && bEnd <= aEnd:
		// a fully contains b
		a.Count -= b.Count
		return &a
	case b.Position < a.Position:
		// b overlaps a's head
		overlap := bEnd - a.Position
		a.Position = b.Position
		a.Count -= overlap
		return &a
	default:
		// a overlaps b's head
		overlap := aEnd - b.Position
		a.Count -= overlap
		return &a
	}
}
