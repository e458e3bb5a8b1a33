package ir

import "fmt"

// Transition is the reconciliation outcome assigned to a staged row.
type Transition int

const (
	// TransitionCreate: no mapping exists; a target row and a mapping are created.
	TransitionCreate Transition = iota + 1
	// TransitionCreateMapping: no mapping exists but the natural key matches an
	// existing target row; only a mapping is created.
	TransitionCreateMapping
	// TransitionUpdate: mapped, live, payload changed.
	TransitionUpdate
	// TransitionReinstate: mapped but soft-deleted; the row comes back.
	TransitionReinstate
	// TransitionKeep: mapped, live, payload unchanged.
	TransitionKeep
	// TransitionDelete: mapped but absent from the batch.
	TransitionDelete
)

// Transitions lists every transition in classification order.
var Transitions = []Transition{
	TransitionCreate,
	TransitionCreateMapping,
	TransitionUpdate,
	TransitionReinstate,
	TransitionKeep,
	TransitionDelete,
}

var transitionNames = map[Transition]string{
	TransitionCreate:        "CREATE",
	TransitionCreateMapping: "CREATE_MAPPING",
	TransitionUpdate:        "UPDATE",
	TransitionReinstate:     "REINSTATE",
	TransitionKeep:          "KEEP",
	TransitionDelete:        "DELETE",
}

// String returns the value stored in the stage table's transition column.
func (t Transition) String() string {
	if name, ok := transitionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Transition(%d)", int(t))
}

// ParseTransition converts a stored transition value back to the enum.
func ParseTransition(s string) (Transition, error) {
	for t, name := range transitionNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transition %q", s)
}
