package ot

// Transform derives op', the operation equivalent to op after against has
// already been applied to their shared base content. Convergence diamond:
// Apply(Apply(base, a), Transform(b, a)) == Apply(Apply(base, b), Transform(a, b))
// for any valid pair with distinct authors.
func Transform(op, against Operation) Operation {
	switch op.Type {
	case TypeInsert:
		switch against.Type {
		case TypeInsert:
			return transformInsertInsert(op, against)
		case TypeDelete:
			return transformInsertDelete(op, against)
		}
	case TypeDelete:
		switch against.Type {
		case TypeInsert:
			return transformDeleteInsert(op, against)
		case TypeDelete:
			return transformDeleteDelete(op, against)
		}
	}
	return op
}

// TransformAgainst folds op through a sequence of already-applied operations
// in order, typically a pending queue.
func TransformAgainst(op Operation, applied []Operation) Operation {
	for _, other := range applied {
		op = Transform(op, other)
	}
	return op
}

func transformInsertInsert(op, against Operation) Operation {
	if against.Position < op.Position {
		op.Position += len(against.Content)
		return op
	}
	if against.Position == op.Position {
		// Same slot: the lexicographically smaller user id keeps the
		// position on every peer, so both sides order the inserts
		// identically.
		if against.UserID < op.UserID {
			op.Position += len(against.Content)
		}
	}
	return op
}

func transformInsertDelete(op, against Operation) Operation {
	deleteEnd := against.Position + against.Length
	switch {
	case op.Position <= against.Position:
		return op
	case op.Position >= deleteEnd:
		op.Position -= against.Length
		return op
	default:
		// Insert landed inside text that no longer exists. The concurrent
		// delete grows to swallow the inserted text (see
		// transformDeleteInsert), so the insert collapses to nothing at
		// the surviving boundary or both orders diverge.
		op.Position = against.Position
		op.Content = ""
		return op
	}
}

func transformDeleteInsert(op, against Operation) Operation {
	deleteEnd := op.Position + op.Length
	switch {
	case against.Position <= op.Position:
		op.Position += len(against.Content)
		return op
	case against.Position < deleteEnd:
		// Insert inside the range being deleted: the delete grows to
		// cover it, mirroring the collapse on the insert side.
		op.Length += len(against.Content)
		return op
	default:
		return op
	}
}

func transformDeleteDelete(op, against Operation) Operation {
	opEnd := op.Position + op.Length
	againstEnd := against.Position + against.Length
	switch {
	case opEnd <= against.Position:
		return op
	case againstEnd <= op.Position:
		op.Position -= against.Length
		return op
	default:
		// Overlapping ranges: the overlap was already removed by against,
		// so op keeps only its non-overlapping remainder.
		overlap := minInt(opEnd, againstEnd) - maxInt(op.Position, against.Position)
		op.Length -= overlap
		if op.Length < 0 {
			op.Length = 0
		}
		op.Position = minInt(op.Position, against.Position)
		return op
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
