package state

import (
	"context"
	"testing"

	"github.com/zamer-sys/avito-articulum-parser/internal/db"
)

func TestTransitionRejectsUnknownStates(t *testing.T) {
	_, err := Transition(context.Background(), nil, 1, "BOGUS", db.StateNew)
	if err == nil {
		t.Error("unknown source state accepted")
	}

	_, err = Transition(context.Background(), nil, 1, db.StateNew, "BOGUS")
	if err == nil {
		t.Error("unknown target state accepted")
	}
}

func TestTransitionRejectsFinalStates(t *testing.T) {
	for _, final := range db.FinalStates {
		if _, err := Transition(context.Background(), nil, 1, final, db.StateNew); err == nil {
			t.Errorf("transition out of final state %s accepted", final)
		}
	}
}

func TestTransitionErrorIs(t *testing.T) {
	err := &TransitionError{ArticulumId: 5, From: db.StateNew, To: db.StateCatalogParsing}

	var target *TransitionError
	if !err.Is(target) || err.Error() == "" {
		t.Error("TransitionError does not round-trip through errors.As")
	}
}
