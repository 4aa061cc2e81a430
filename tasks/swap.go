package tasks

// SwapIndexUID exchanges the names lhs and rhs everywhere they occur in
// the task payload and in cached swap details.
func SwapIndexUID(task *Task, lhs, rhs string) {
	refs := task.Kind.indexUIDRefs()
	if d, ok := task.Details.(*IndexSwapDetails); ok {
		refs = append(refs, swapRefs(d.Swaps)...)
	}
	for _, ref := range refs {
		switch *ref {
		case lhs:
			*ref = rhs
		case rhs:
			*ref = lhs
		}
	}
}
