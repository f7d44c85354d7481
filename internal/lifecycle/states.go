package lifecycle

import (
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

var transitions = map[models.State][]models.State{
	models.StatePending:  {models.StateApproved, models.StateRejected, models.StateCancelled},
	models.StateApproved: {models.StateRunning, models.StateCancelled},
	models.StateRunning:  {models.StateCompleted, models.StateFailed, models.StateCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to models.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Replay rebuilds the final state of one action from its audit entries. The
// entries must start with creation, carry consecutive sequence numbers and
// chain from-state to the previous to-state along legal edges.
func Replay(entries []audit.Entry) (models.State, error) {
	if len(entries) == 0 {
		return "", models.Validationf("no audit entries to replay")
	}
	ordered := make([]audit.Entry, len(entries))
	copy(ordered, entries)
	audit.SortChronological(ordered)

	actionID := ordered[0].ActionID
	var state models.State
	for i, e := range ordered {
		if e.ActionID != actionID {
			return "", models.Validationf("entry %s belongs to action %s, expected %s", e.ID, e.ActionID, actionID)
		}
		if e.Seq != int64(i+1) {
			return "", models.Validationf("gap in history of action %s: expected seq %d, found %d", actionID, i+1, e.Seq)
		}
		if i == 0 {
			if e.FromState != "" || e.ToState != models.StatePending {
				return "", models.Validationf("history of action %s does not start with creation", actionID)
			}
			state = e.ToState
			continue
		}
		if e.FromState != state {
			return "", models.Validationf("gap in history of action %s: seq %d leaves %s but action was %s",
				actionID, e.Seq, e.FromState, state)
		}
		if !CanTransition(state, e.ToState) {
			return "", models.InvalidTransitionf("history of action %s contains illegal transition %s -> %s",
				actionID, state, e.ToState)
		}
		state = e.ToState
	}
	return state, nil
}
