package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultClaimTTL bounds how long a sqlite lease survives a crashed worker.
const DefaultClaimTTL = 10 * time.Minute

// Claim is an exclusive reservation of one feed on one clock.
//
// On postgres the claim is a row lock held by an open transaction
// (FOR UPDATE SKIP LOCKED) which stays open until Commit or Release.
// On sqlite the claim is a lease column set by a compare-and-swap update;
// Commit clears it in the same transaction as the feed's writes. Leases run
// on the wall clock, whatever due time the caller claims against.
type Claim struct {
	Feed Feed

	db    *DB
	tx    *sql.Tx
	clock Clock
	done  bool
}

func (db *DB) claimTTL() time.Duration {
	if db.ttl > 0 {
		return db.ttl
	}
	return DefaultClaimTTL
}

// leaseStart is the wall-clock instant a new lease is measured from.
func leaseStart() time.Time {
	return Timestamp(time.Now())
}

// ClaimNextDue claims the feed that has been due on clock the longest as of
// now. It returns nil when no unclaimed feed is due.
func (db *DB) ClaimNextDue(ctx context.Context, clock Clock, now time.Time) (*Claim, error) {
	now = Timestamp(now)

	if db.Dialect == Postgres {
		query := fmt.Sprintf(`SELECT %s FROM feeds WHERE %s <= $1 ORDER BY %s ASC, id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
			feedColumns, clock.dueColumn(), clock.dueColumn())
		return db.claimLocked(ctx, clock, query, now)
	}

	query := fmt.Sprintf(`
		UPDATE feeds SET %[2]s = $1
		WHERE id = (
			SELECT id FROM feeds
			WHERE %[1]s <= $2 AND (%[2]s IS NULL OR %[2]s < $3)
			ORDER BY %[1]s ASC, id ASC
			LIMIT 1
		)
		RETURNING id`, clock.dueColumn(), clock.leaseColumn())
	start := leaseStart()
	return db.claimLeased(ctx, clock, query, start.Add(db.claimTTL()), now, start)
}

// ClaimFeed claims a specific feed regardless of its due time. It returns
// nil when another worker holds the feed.
func (db *DB) ClaimFeed(ctx context.Context, clock Clock, feedID int64) (*Claim, error) {
	if db.Dialect == Postgres {
		query := fmt.Sprintf(`SELECT %s FROM feeds WHERE id = $1 FOR UPDATE SKIP LOCKED`, feedColumns)
		return db.claimLocked(ctx, clock, query, feedID)
	}

	query := fmt.Sprintf(`
		UPDATE feeds SET %[1]s = $1
		WHERE id = $2 AND (%[1]s IS NULL OR %[1]s < $3)
		RETURNING id`, clock.leaseColumn())
	start := leaseStart()
	return db.claimLeased(ctx, clock, query, start.Add(db.claimTTL()), feedID, start)
}

func (db *DB) claimLocked(ctx context.Context, clock Clock, query string, args ...any) (*Claim, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	feed, err := scanFeed(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to claim %s feed: %w", clock, err)
	}

	return &Claim{Feed: *feed, db: db, tx: tx, clock: clock}, nil
}

func (db *DB) claimLeased(ctx context.Context, clock Clock, query string, args ...any) (*Claim, error) {
	var id int64
	err := db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s feed: %w", clock, err)
	}

	feed, err := NewFeedRepository(db).GetFeedByID(ctx, id)
	if err != nil {
		db.ExecContext(ctx, fmt.Sprintf(`UPDATE feeds SET %s = NULL WHERE id = $1`, clock.leaseColumn()), id)
		return nil, fmt.Errorf("failed to load claimed feed: %w", err)
	}

	return &Claim{Feed: *feed, db: db, clock: clock}, nil
}

func (c *Claim) Clock() Clock {
	return c.clock
}

// Commit runs fn in the claim's transaction and releases the claim.
//
// When fn fails its writes are rolled back but the claim stays held, so the
// caller can Commit a different set of writes or Release it.
func (c *Claim) Commit(ctx context.Context, fn func(q Querier) error) error {
	if c.done {
		return fmt.Errorf("claim on feed %d already released", c.Feed.ID)
	}

	if c.tx != nil {
		if err := c.inSavepoint(ctx, fn); err != nil {
			return err
		}
		c.done = true
		if err := c.tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit claim transaction: %w", err)
		}
		return nil
	}

	err := c.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return c.clearLease(ctx, tx)
	})
	if err != nil {
		return err
	}
	c.done = true
	return nil
}

// inSavepoint runs fn on the claim's open transaction, undoing its writes
// without giving up the row lock when it fails.
func (c *Claim) inSavepoint(ctx context.Context, fn func(q Querier) error) error {
	if _, err := c.tx.ExecContext(ctx, `SAVEPOINT claim_writes`); err != nil {
		c.abort()
		return fmt.Errorf("failed to open claim savepoint: %w", err)
	}

	if err := fn(c.tx); err != nil {
		if _, rbErr := c.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT claim_writes`); rbErr != nil {
			c.abort()
			return errors.Join(err, fmt.Errorf("failed to roll back claim savepoint: %w", rbErr))
		}
		return err
	}

	return nil
}

func (c *Claim) abort() {
	c.done = true
	c.tx.Rollback()
}

// Release drops the claim without writing anything.
func (c *Claim) Release(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true

	if c.tx != nil {
		return c.tx.Rollback()
	}
	return c.clearLease(ctx, c.db)
}

func (c *Claim) clearLease(ctx context.Context, q Querier) error {
	query := fmt.Sprintf(`UPDATE feeds SET %s = NULL WHERE id = $1`, c.clock.leaseColumn())
	if _, err := q.ExecContext(ctx, query, c.Feed.ID); err != nil {
		return fmt.Errorf("failed to release %s claim: %w", c.clock, err)
	}
	return nil
}
