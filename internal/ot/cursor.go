package ot

// Cursor is one user's caret plus optional selection inside a document.
type Cursor struct {
	UserID         string `json:"user_id"`
	Position       int    `json:"position"`
	SelectionStart *int   `json:"selection_start,omitempty"`
	SelectionEnd   *int   `json:"selection_end,omitempty"`
}

// TransformCursor re-derives a cursor after a batch applies. The caret sits
// to the right of the author's own insert at the same position and to the
// left of anyone else's; selection starts are left-biased and selection ends
// right-biased so a selection never inverts.
func TransformCursor(c Cursor, batch *Batch) Cursor {
	rightBias := c.UserID == batch.UserID
	for _, op := range batch.Ops {
		c.Position = transformIndex(c.Position, op, rightBias)
		if c.SelectionStart != nil {
			s := transformIndex(*c.SelectionStart, op, false)
			c.SelectionStart = &s
		}
		if c.SelectionEnd != nil {
			e := transformIndex(*c.SelectionEnd, op, true)
			c.SelectionEnd = &e
		}
	}
	return c
}

// transformIndex shifts one string index across an op. rightBias moves an
// index sitting exactly at an insert point to the right of the new text.
func transformIndex(index int, op Op, rightBias bool) int {
	switch op.Type {
	case OpInsert:
		switch {
		case index < op.Position:
			return index
		case index > op.Position:
			return index + len(op.Text)
		default:
			if rightBias {
				return index + len(op.Text)
			}
			return index
		}
	case OpDelete:
		end := op.Position + op.Count
		switch {
		case index <= op.Position:
			return index
		case index > end:
			return index - op.Count
		default:
			return op.Position // inside the deleted range: collapse to its start
		}
	}
	return index
}

// ClampCursor bounds a cursor to the document length after external edits.
func ClampCursor(c Cursor, contentLen int) Cursor {
	c.Position = clamp(c.Position, contentLen)
	if c.SelectionStart != nil {
		s := clamp(*c.SelectionStart, contentLen)
		c.SelectionStart = &s
	}
	if c.SelectionEnd != nil {
		e := clamp(*c.SelectionEnd, contentLen)
		c.SelectionEnd = &e
	}
	return c
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
