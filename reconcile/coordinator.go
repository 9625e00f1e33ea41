// Package reconcile keeps stored group balances in step with the expense log.
//
// Under the deferred policy a mutation only marks its group dirty and the
// sweep recomputes every dirty group from scratch. Under the immediate policy
// the mutation is applied incrementally while the group row is locked, and
// the sweep repairs any group whose incremental update failed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/billbatista/acasinha-ledger/config"
	"github.com/billbatista/acasinha-ledger/journal"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/pending"
	"github.com/google/uuid"
)

var ErrSweepInProgress = errors.New("sweep already in progress")

// Store is what the coordinator needs from persistence.
type Store interface {
	GetGroup(ctx context.Context, groupID uuid.UUID) (*ledger.Group, error)
	ListExpenses(ctx context.Context, groupID uuid.UUID) ([]ledger.Expense, error)
	SaveSnapshot(ctx context.Context, groupID uuid.UUID, snap ledger.Snapshot, updatedAt time.Time) error
	UpdateSnapshot(ctx context.Context, groupID uuid.UUID, updatedAt time.Time, fn func(group ledger.Group, finder ledger.LatestExpenseFinder) (ledger.Snapshot, error)) error
}

type Coordinator struct {
	store   Store
	dirty   pending.Set
	journal journal.Recorder
	locker  SweepLocker
	policy  config.Policy
	now     func() time.Time
	logger  *slog.Logger

	sweeping sync.Mutex
}

type Option func(*Coordinator)

func WithPolicy(policy config.Policy) Option {
	return func(c *Coordinator) {
		c.policy = policy
	}
}

func WithJournal(recorder journal.Recorder) Option {
	return func(c *Coordinator) {
		c.journal = recorder
	}
}

// WithSweepLocker guards sweeps across processes in addition to the
// in-process guard.
func WithSweepLocker(locker SweepLocker) Option {
	return func(c *Coordinator) {
		c.locker = locker
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func NewCoordinator(store Store, dirty pending.Set, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		dirty:   dirty,
		journal: journal.Discard{},
		policy:  config.PolicyDeferred,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Policy() config.Policy {
	return c.policy
}

// HandleMutation reacts to one expense transition. Errors are only returned
// when the group could not even be marked for a later recompute.
//
// Under the immediate policy the group is marked before the delta is applied
// and stays marked afterwards, so the next sweep verifies the incremental
// result against the log even if this process dies halfway.
func (c *Coordinator) HandleMutation(ctx context.Context, m ledger.ExpenseMutation) error {
	kind := m.Kind()
	if kind == ledger.MutationNoop {
		return nil
	}

	if c.policy != config.PolicyImmediate {
		return c.MarkDirty(ctx, m.GroupID)
	}

	if err := c.mark(ctx, m.GroupID); err != nil {
		c.logger.Warn("failed to mark group before applying mutation", "error", err, "group_id", m.GroupID)
	}

	err := c.store.UpdateSnapshot(ctx, m.GroupID, c.now(), func(group ledger.Group, finder ledger.LatestExpenseFinder) (ledger.Snapshot, error) {
		snap, err := ledger.ApplyDelta(ctx, group.Snapshot, m.Before, m.After, group.ParticipantIDs, finder)
		var skipped *ledger.SkippedError
		if errors.As(err, &skipped) {
			c.logSkipped(group.ID, skipped)
			return snap, nil
		}
		return snap, err
	})
	switch {
	case err == nil:
		c.journal.Record(journal.NewEntry(journal.KindBalancesApplied,
			journal.WithGroup(m.GroupID),
			journal.WithMetadata("expense_id", m.ExpenseID.String()),
			journal.WithMetadata("mutation", string(kind)),
		))
		// A sweep may have cleared the mark while the delta was applied.
		if err := c.mark(ctx, m.GroupID); err != nil {
			c.logger.Warn("failed to mark group after applying mutation", "error", err, "group_id", m.GroupID)
		}
		return nil
	case errors.Is(err, ledger.ErrGroupNotFound):
		c.logger.Warn("group not found, dropping mutation", "group_id", m.GroupID, "expense_id", m.ExpenseID)
		if err := c.dirty.Clear(context.WithoutCancel(ctx), m.GroupID); err != nil {
			c.logger.Warn("failed to clear missing group", "error", err, "group_id", m.GroupID)
		}
		return nil
	default:
		c.logger.Error("incremental update failed, deferring to sweep", "error", err, "group_id", m.GroupID, "expense_id", m.ExpenseID)
		return c.MarkDirty(ctx, m.GroupID)
	}
}

// MarkDirty queues a group for the next sweep. The mark is written even when
// ctx is already cancelled; losing it would leave the group stale for good.
func (c *Coordinator) MarkDirty(ctx context.Context, groupID uuid.UUID) error {
	if err := c.mark(ctx, groupID); err != nil {
		return err
	}
	c.journal.Record(journal.NewEntry(journal.KindGroupMarkedDirty, journal.WithGroup(groupID)))
	return nil
}

func (c *Coordinator) mark(ctx context.Context, groupID uuid.UUID) error {
	if err := c.dirty.Mark(context.WithoutCancel(ctx), groupID); err != nil {
		return fmt.Errorf("marking group dirty: %w", err)
	}
	return nil
}

type SweepResult struct {
	Recomputed int `json:"recomputed"`
	Dropped    int `json:"dropped"`
	Failed     int `json:"failed"`
}

// Sweep recomputes every dirty group. A failing group stays dirty and does
// not stop the others. Only one sweep runs at a time.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if !c.sweeping.TryLock() {
		return result, ErrSweepInProgress
	}
	defer c.sweeping.Unlock()

	if c.locker != nil {
		release, err := c.locker.Acquire(ctx)
		if err != nil {
			return result, err
		}
		defer release()
	}

	groups, err := c.dirty.List(ctx)
	if err != nil {
		return result, err
	}

	for _, groupID := range groups {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		// Cleared before reading so a mark that lands mid-recompute survives.
		if err := c.dirty.Clear(ctx, groupID); err != nil {
			c.logger.Error("failed to clear dirty group", "error", err, "group_id", groupID)
			result.Failed++
			continue
		}

		_, err := c.recompute(ctx, groupID)
		switch {
		case err == nil:
			result.Recomputed++
		case errors.Is(err, ledger.ErrGroupNotFound):
			c.logger.Warn("dirty group no longer exists, dropping", "group_id", groupID)
			c.journal.Record(journal.NewEntry(journal.KindGroupDropped, journal.WithGroup(groupID)))
			result.Dropped++
		default:
			result.Failed++
			if err := c.mark(ctx, groupID); err != nil {
				c.logger.Error("failed to re-mark group", "error", err, "group_id", groupID)
			}
			if ctx.Err() != nil {
				c.logger.Info("sweep interrupted, group left dirty", "group_id", groupID)
				return result, ctx.Err()
			}
			c.logger.Error("failed to recompute group, will retry", "error", err, "group_id", groupID)
		}
	}

	if len(groups) > 0 {
		c.logger.Info("sweep finished",
			"recomputed", result.Recomputed,
			"dropped", result.Dropped,
			"failed", result.Failed,
		)
	}

	return result, nil
}

// RecomputeGroup rebuilds one group's snapshot right away, waiting for any
// running sweep to finish first.
func (c *Coordinator) RecomputeGroup(ctx context.Context, groupID uuid.UUID) (ledger.Snapshot, error) {
	c.sweeping.Lock()
	defer c.sweeping.Unlock()

	return c.recompute(ctx, groupID)
}

func (c *Coordinator) recompute(ctx context.Context, groupID uuid.UUID) (ledger.Snapshot, error) {
	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("loading group: %w", err)
	}
	if group == nil {
		return ledger.Snapshot{}, ledger.ErrGroupNotFound
	}

	expenses, err := c.store.ListExpenses(ctx, groupID)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("listing expenses: %w", err)
	}

	if len(group.ParticipantIDs) == 0 {
		c.logger.Info("group has no participants, clearing balances", "group_id", groupID)
	}

	snap, err := ledger.FullRecompute(expenses, group.ParticipantIDs)
	var skipped *ledger.SkippedError
	if errors.As(err, &skipped) {
		c.logSkipped(groupID, skipped)
	} else if err != nil {
		return ledger.Snapshot{}, err
	}

	if !group.Snapshot.Balances.Within(snap.Balances, ledger.Epsilon) {
		c.logger.Info("stored balances drifted from the expense log", "group_id", groupID)
	}

	if err := c.store.SaveSnapshot(ctx, groupID, snap, c.now()); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("saving snapshot: %w", err)
	}

	c.journal.Record(journal.NewEntry(journal.KindBalancesRecomputed,
		journal.WithGroup(groupID),
		journal.WithPayload(snap.Balances.Records()),
		journal.WithMetadata("expenses_count", strconv.Itoa(snap.ExpensesCount)),
	))

	return snap, nil
}

func (c *Coordinator) logSkipped(groupID uuid.UUID, skipped *ledger.SkippedError) {
	for _, err := range skipped.Errs {
		c.logger.Warn("skipping malformed expense", "error", err, "group_id", groupID)
	}
}
