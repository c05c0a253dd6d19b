package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/log"
)

// TransitionError signals that a transition failed where the caller cannot
// tolerate it, e.g. inside a transaction that already wrote data.
type TransitionError struct {
	ArticulumId int64
	From        db.ArticulumState
	To          db.ArticulumState
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("articulum %d: transition %s → %s not applied", e.ArticulumId, e.From, e.To)
}

func (e TransitionError) Is(target error) bool {
	var t *TransitionError
	ok := errors.As(target, &t)
	return ok
}

func validState(s db.ArticulumState) bool {
	for _, known := range db.AllStates {
		if s == known {
			return true
		}
	}

	return false
}

func finalState(s db.ArticulumState) bool {
	for _, final := range db.FinalStates {
		if s == final {
			return true
		}
	}

	return false
}

// Transition atomically moves an articulum from one state to another. The
// update carries the expected state in its predicate, so a lost race affects
// zero rows and returns false; there is no read-then-write anywhere.
func Transition(ctx context.Context, connection bun.IDB, articulumId int64, from, to db.ArticulumState) (bool, error) {
	if !validState(from) || !validState(to) {
		return false, fmt.Errorf("invalid states: %s → %s", from, to)
	}

	if finalState(from) {
		return false, fmt.Errorf("transition out of final state %s is forbidden", from)
	}

	res, err := connection.NewUpdate().
		Model((*db.ArticulumModel)(nil)).
		Set("state = ?", to).
		Set("state_updated_at = now()").
		Set("updated_at = now()").
		Where("id = ? AND state = ?", articulumId, from).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	logger := log.GetLogger().WithField("ArticulumId", articulumId)
	if affected == 1 {
		logger.Debugf("articulum transition %s → %s", from, to)
		return true, nil
	}

	logger.Debugf("articulum transition %s → %s skipped, state already changed", from, to)
	return false, nil
}

// GetState reads the current state of an articulum.
func GetState(ctx context.Context, connection bun.IDB, articulumId int64) (db.ArticulumState, error) {
	var state db.ArticulumState
	err := connection.NewSelect().
		Model((*db.ArticulumModel)(nil)).
		Column("state").
		Where("id = ?", articulumId).
		Scan(ctx, &state)

	return state, err
}

func ToCatalogParsing(ctx context.Context, connection bun.IDB, articulumId int64) (bool, error) {
	return Transition(ctx, connection, articulumId, db.StateNew, db.StateCatalogParsing)
}

func ToCatalogParsed(ctx context.Context, connection bun.IDB, articulumId int64) (bool, error) {
	return Transition(ctx, connection, articulumId, db.StateCatalogParsing, db.StateCatalogParsed)
}

func ToValidating(ctx context.Context, connection bun.IDB, articulumId int64) (bool, error) {
	return Transition(ctx, connection, articulumId, db.StateCatalogParsed, db.StateValidating)
}

func ToValidated(ctx context.Context, connection bun.IDB, articulumId int64) (bool, error) {
	return Transition(ctx, connection, articulumId, db.StateValidating, db.StateValidated)
}

// ToObjectParsing marks the start of detail parsing. Happens on the first
// claimed object task of the articulum; later claims see a no-op.
func ToObjectParsing(ctx context.Context, connection bun.IDB, articulumId int64) (bool, error) {
	return Transition(ctx, connection, articulumId, db.StateValidated, db.StateObjectParsing)
}

// Reject moves the articulum to the terminal REJECTED_BY_MIN_COUNT state.
func Reject(ctx context.Context, connection bun.IDB, articulumId int64, reason string) (bool, error) {
	ok, err := Transition(ctx, connection, articulumId, db.StateValidating, db.StateRejectedByMinCount)
	if err != nil {
		return false, err
	}

	if ok {
		log.GetLogger().WithFields(map[string]interface{}{
			"ArticulumId": articulumId,
			"Reason":      reason,
		}).Info("articulum rejected")
	}

	return ok, nil
}

// RollbackToCatalogParsed reverts a VALIDATING articulum so it re-enters
// validation from scratch. The articulum's validation results are deleted in
// the same transaction; a half-validated articulum must not survive.
func RollbackToCatalogParsed(ctx context.Context, connection bun.IDB, articulumId int64, reason string) error {
	return connection.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ok, err := Transition(ctx, tx, articulumId, db.StateValidating, db.StateCatalogParsed)
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{ArticulumId: articulumId, From: db.StateValidating, To: db.StateCatalogParsed}
		}

		if _, err = tx.NewDelete().
			Model((*db.ValidationResultModel)(nil)).
			Where("articulum_id = ?", articulumId).
			Exec(ctx); err != nil {
			return err
		}

		log.GetLogger().WithFields(map[string]interface{}{
			"ArticulumId": articulumId,
			"Reason":      reason,
		}).Warn("articulum rolled back to CATALOG_PARSED")

		return nil
	})
}
