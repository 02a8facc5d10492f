package bridge

import "bridge-dispatch/internal/domain"

// selectSlots returns the ready slots eligible for task. Bridges that
// declare the task type explicitly win over catch-all bridges of the same
// scope. With requireIdle the preference is applied among idle bridges only,
// so a busy specialist falls back to an idle catch-all.
func selectSlots(slots []*slot, task *domain.Task, requireIdle bool) []*slot {
	scope := task.Scope()
	var explicit, catchAll []*slot
	for _, s := range slots {
		if !s.ready || s.bridge.Scope() != scope {
			continue
		}
		if requireIdle && !s.idle() {
			continue
		}
		switch {
		case domain.AcceptsType(s.bridge, task.Type):
			explicit = append(explicit, s)
		case len(s.bridge.Accepts()) == 0:
			catchAll = append(catchAll, s)
		}
	}
	if len(explicit) > 0 {
		return explicit
	}
	return catchAll
}
