package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/utils"
)

type TxOptions struct {
	Isolation  sql.IsolationLevel
	MaxRetries int
	BaseDelay  time.Duration
}

var DefaultTxOptions = TxOptions{
	Isolation:  sql.LevelReadCommitted,
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
}

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// WithTransaction runs fn inside a transaction, retrying the whole unit on
// serialization failures and deadlocks. Any other error rolls back and returns.
func WithTransaction(ctx context.Context, db *sql.DB, opts TxOptions, fn func(tx *sql.Tx) error) error {
	b := utils.NewBackoff(opts.BaseDelay, opts.MaxRetries)
	return b.Do(ctx, func(attempt int) error {
		err := runTx(ctx, db, opts.Isolation, fn)
		if err == nil {
			return nil
		}
		if retryable(err) {
			log.WithError(err).WithField("attempt", attempt).Warn("transaction conflict, retrying")
			return err
		}
		return &utils.Permanent{Err: err}
	})
}

func runTx(ctx context.Context, db *sql.DB, iso sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
