package lifecycle

import (
	"errors"
	"fmt"

	"qms/visit-service/internal/models"
)

var transitionMap = map[models.State][]models.State{
	models.StateScanned:        {models.StateWaiting},
	models.StateWaiting:        {models.StateUrgent, models.StateCalled},
	models.StateUrgent:         {models.StateCalled},
	models.StateCalled:         {models.StateInConsultation, models.StateNoShow},
	models.StateInConsultation: {models.StateCompleted},
}

var ErrInvalidTransition = errors.New("invalid visit transition")

type InvalidTransitionError struct {
	From models.State
	To   models.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid visit transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CanTransition reports whether from -> to is an allowed edge. Unknown
// states, self-transitions and anything leaving a terminal state are false.
func CanTransition(from, to models.State) bool {
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == to {
			return true
		}
	}
	return false
}

func AssertTransition(from, to models.State) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
