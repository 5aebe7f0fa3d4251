package automation

// Transition detection keeps rules from reacting to no-op writes and breaks
// write-trigger-write feedback loops: a rule's own write that does not move
// the projected value produces an event the rule ignores.

// HasRelevantTransition reports whether the projection changed between the
// before and after snapshots. before may be nil (creation: compared against
// the zero projection); after may be nil (deletion: never relevant here,
// rules that need the after state no-op).
func HasRelevantTransition[T any, P comparable](before, after *T, project func(*T) P) bool {
	if after == nil {
		return false
	}
	var beforeValue P
	if before != nil {
		beforeValue = project(before)
	} else {
		var zero T
		beforeValue = project(&zero)
	}
	return project(after) != beforeValue
}

// EnteredState reports a transition into the target value specifically:
// the after snapshot projects to target and the before snapshot did not.
func EnteredState[T any, P comparable](before, after *T, project func(*T) P, target P) bool {
	if after == nil || project(after) != target {
		return false
	}
	if before == nil {
		return true
	}
	return project(before) != target
}
