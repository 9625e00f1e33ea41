package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/billbatista/acasinha-ledger/journal"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type groupRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participant_ids"`
}

type expenseRequest struct {
	Description    string              `json:"description"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	Payers         []ledger.Payer      `json:"payers"`
	ParticipantIDs []string            `json:"participant_ids"`
	SplitType      ledger.SplitType    `json:"split_type"`
	CustomSplits   []ledger.SplitEntry `json:"custom_splits"`
	Date           time.Time           `json:"date"`
}

type balancesResponse struct {
	GroupID       uuid.UUID            `json:"group_id"`
	Balances      []ledger.UserBalance `json:"balances"`
	TotalExpenses decimal.Decimal      `json:"total_expenses"`
	ExpensesCount int                  `json:"expenses_count"`
	LastExpense   *ledger.ExpenseRef   `json:"last_expense,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	group, err := ledger.NewGroup(req.Name, req.ParticipantIDs)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	if err := s.repo.CreateGroup(r.Context(), group); err != nil {
		s.internalError(w, "failed to create group", err)
		return
	}

	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) setParticipants(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}

	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	err := s.repo.SetParticipants(r.Context(), groupID, req.ParticipantIDs)
	if errors.Is(err, ledger.ErrGroupNotFound) {
		writeErr(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to update participants", err)
		return
	}

	// Membership changes every expense's contribution; only a full
	// recompute can account for it.
	if err := s.reconciler.MarkDirty(context.WithoutCancel(r.Context()), groupID); err != nil {
		s.logger.Error("failed to mark group dirty", "error", err, "group_id", groupID)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, balancesResponse{
		GroupID:       group.ID,
		Balances:      group.Snapshot.Balances.Records(),
		TotalExpenses: group.Snapshot.TotalExpenses,
		ExpensesCount: group.Snapshot.ExpensesCount,
		LastExpense:   group.Snapshot.LastExpense,
		UpdatedAt:     group.UpdatedAt,
	})
}

func (s *Server) recompute(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}

	snap, err := s.reconciler.RecomputeGroup(r.Context(), groupID)
	if errors.Is(err, ledger.ErrGroupNotFound) {
		writeErr(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to recompute group", err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}

	entries, err := s.entries.ListByGroup(r.Context(), groupID)
	if err != nil {
		s.internalError(w, "failed to list journal", err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listExpenses(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	expenses, err := s.repo.ListExpenses(r.Context(), group.ID)
	if err != nil {
		s.internalError(w, "failed to list expenses", err)
		return
	}
	if expenses == nil {
		expenses = []ledger.Expense{}
	}

	writeJSON(w, http.StatusOK, expenses)
}

func (s *Server) getExpense(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	expenseID, ok := pathID(w, r, "expenseID")
	if !ok {
		return
	}

	expense, err := s.repo.GetExpense(r.Context(), groupID, expenseID)
	if err != nil {
		s.internalError(w, "failed to fetch expense", err)
		return
	}
	if expense == nil {
		writeErr(w, ledger.ErrExpenseNotFound, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) createExpense(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	expense, _, ok := decodeExpense(w, r, group.ID)
	if !ok {
		return
	}

	if err := s.repo.CreateExpense(r.Context(), *expense); err != nil {
		s.internalError(w, "failed to create expense", err)
		return
	}

	s.mutated(r, journal.KindExpenseCreated, ledger.ExpenseMutation{
		GroupID:    group.ID,
		ExpenseID:  expense.ID,
		After:      expense,
		OccurredAt: expense.CreatedAt,
	})

	writeJSON(w, http.StatusCreated, expense)
}

func (s *Server) updateExpense(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	expenseID, ok := pathID(w, r, "expenseID")
	if !ok {
		return
	}

	expense, dated, ok := decodeExpense(w, r, groupID)
	if !ok {
		return
	}
	expense.ID = expenseID
	if !dated {
		// Zero date keeps the stored one.
		expense.Date = time.Time{}
	}

	before, err := s.repo.UpdateExpense(r.Context(), *expense)
	if errors.Is(err, ledger.ErrExpenseNotFound) {
		writeErr(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to update expense", err)
		return
	}
	expense.CreatedAt = before.CreatedAt
	if !dated {
		expense.Date = before.Date
	}

	s.mutated(r, journal.KindExpenseUpdated, ledger.ExpenseMutation{
		GroupID:    groupID,
		ExpenseID:  expenseID,
		Before:     before,
		After:      expense,
		OccurredAt: time.Now().UTC(),
	})

	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) deleteExpense(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return
	}
	expenseID, ok := pathID(w, r, "expenseID")
	if !ok {
		return
	}

	before, err := s.repo.DeleteExpense(r.Context(), groupID, expenseID)
	if errors.Is(err, ledger.ErrExpenseNotFound) {
		writeErr(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "failed to delete expense", err)
		return
	}

	s.mutated(r, journal.KindExpenseDeleted, ledger.ExpenseMutation{
		GroupID:    groupID,
		ExpenseID:  expenseID,
		Before:     before,
		OccurredAt: time.Now().UTC(),
	})

	w.WriteHeader(http.StatusNoContent)
}

// mutated hands a stored transition to the reconciler. Reconciliation
// problems are logged, never reported to whoever wrote the expense. The
// expense is already committed, so a client hanging up must not stop it.
func (s *Server) mutated(r *http.Request, kind journal.Kind, m ledger.ExpenseMutation) {
	s.recorder.Record(journal.NewEntry(kind,
		journal.WithGroup(m.GroupID),
		journal.WithMetadata("expense_id", m.ExpenseID.String()),
	))

	if err := s.reconciler.HandleMutation(context.WithoutCancel(r.Context()), m); err != nil {
		s.logger.Error("failed to reconcile mutation", "error", err, "group_id", m.GroupID, "expense_id", m.ExpenseID)
	}
}

func (s *Server) loadGroup(w http.ResponseWriter, r *http.Request) (*ledger.Group, bool) {
	groupID, ok := pathID(w, r, "groupID")
	if !ok {
		return nil, false
	}

	group, err := s.repo.GetGroup(r.Context(), groupID)
	if err != nil {
		s.internalError(w, "failed to fetch group", err)
		return nil, false
	}
	if group == nil {
		writeErr(w, ledger.ErrGroupNotFound, http.StatusNotFound)
		return nil, false
	}

	return group, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeErr(w, errors.New("internal server error"), http.StatusInternalServerError)
}

// decodeExpense also reports whether the request carried a date.
func decodeExpense(w http.ResponseWriter, r *http.Request, groupID uuid.UUID) (*ledger.Expense, bool, bool) {
	var req expenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return nil, false, false
	}

	split, err := ledger.ParseSplit(req.SplitType, req.CustomSplits)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return nil, false, false
	}

	expense, err := ledger.NewExpense(groupID, req.Description, req.Amount, req.Currency, req.Payers, req.ParticipantIDs, split, req.Date)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return nil, false, false
	}

	return expense, !req.Date.IsZero(), true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeErr(w, errors.New("invalid "+param), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
