package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/billbatista/acasinha-ledger/journal"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	groups   map[uuid.UUID]ledger.Group
	expenses map[uuid.UUID]ledger.Expense
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		groups:   map[uuid.UUID]ledger.Group{},
		expenses: map[uuid.UUID]ledger.Expense{},
	}
}

func (f *fakeRepo) CreateGroup(_ context.Context, group ledger.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group.ID] = group
	return nil
}

func (f *fakeRepo) GetGroup(_ context.Context, groupID uuid.UUID) (*ledger.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group, ok := f.groups[groupID]
	if !ok {
		return nil, nil
	}
	return &group, nil
}

func (f *fakeRepo) SetParticipants(_ context.Context, groupID uuid.UUID, participantIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	group, ok := f.groups[groupID]
	if !ok {
		return ledger.ErrGroupNotFound
	}
	group.ParticipantIDs = participantIDs
	f.groups[groupID] = group
	return nil
}

func (f *fakeRepo) ListExpenses(_ context.Context, groupID uuid.UUID) ([]ledger.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Expense
	for _, e := range f.expenses {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetExpense(_ context.Context, groupID, expenseID uuid.UUID) (*ledger.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.expenses[expenseID]
	if !ok || e.GroupID != groupID {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeRepo) CreateExpense(_ context.Context, expense ledger.Expense) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expenses[expense.ID] = expense
	return nil
}

func (f *fakeRepo) UpdateExpense(_ context.Context, expense ledger.Expense) (*ledger.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	before, ok := f.expenses[expense.ID]
	if !ok || before.GroupID != expense.GroupID {
		return nil, ledger.ErrExpenseNotFound
	}
	if expense.Date.IsZero() {
		expense.Date = before.Date
	}
	f.expenses[expense.ID] = expense
	return &before, nil
}

func (f *fakeRepo) DeleteExpense(_ context.Context, groupID, expenseID uuid.UUID) (*ledger.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	before, ok := f.expenses[expenseID]
	if !ok || before.GroupID != groupID {
		return nil, ledger.ErrExpenseNotFound
	}
	delete(f.expenses, expenseID)
	return &before, nil
}

type stubReconciler struct {
	mu         sync.Mutex
	mutations  []ledger.ExpenseMutation
	dirty      []uuid.UUID
	recomputed []uuid.UUID
	ctxErrs    []error
	err        error
}

func (s *stubReconciler) HandleMutation(ctx context.Context, m ledger.ExpenseMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations = append(s.mutations, m)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return s.err
}

func (s *stubReconciler) MarkDirty(ctx context.Context, groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = append(s.dirty, groupID)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return s.err
}

func (s *stubReconciler) RecomputeGroup(_ context.Context, groupID uuid.UUID) (ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputed = append(s.recomputed, groupID)
	return ledger.Snapshot{Balances: ledger.Balances{}}, s.err
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memoryJournal) Record(e journal.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memoryJournal) Save(_ context.Context, e journal.Entry) error {
	m.Record(e)
	return nil
}

func (m *memoryJournal) ListByGroup(_ context.Context, groupID uuid.UUID) ([]journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []journal.Entry{}
	for _, e := range m.entries {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

type testServer struct {
	repo       *fakeRepo
	reconciler *stubReconciler
	journal    *memoryJournal
	handler    http.Handler
}

func newTestServer() *testServer {
	ts := &testServer{
		repo:       newFakeRepo(),
		reconciler: &stubReconciler{},
		journal:    &memoryJournal{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts.handler = NewServer(ts.repo, ts.reconciler, ts.journal, ts.journal, logger).Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seedGroup(t *testing.T, participants ...string) ledger.Group {
	t.Helper()
	group, err := ledger.NewGroup("flat", participants)
	require.NoError(t, err)
	require.NoError(t, ts.repo.CreateGroup(context.Background(), group))
	return group
}

const dinner = `{
	"description": "dinner",
	"amount": "90",
	"currency": "usd",
	"payers": [{"user_id": "A", "amount": "90"}],
	"participant_ids": ["A", "B", "C"],
	"split_type": "equal",
	"date": "2026-03-01T20:00:00Z"
}`

func TestHealth(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCreateGroup(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/groups", `{"name": "flat", "participant_ids": ["A", "B", "A"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var group ledger.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	assert.Equal(t, "flat", group.Name)
	assert.Equal(t, []string{"A", "B"}, group.ParticipantIDs)

	stored, err := ts.repo.GetGroup(context.Background(), group.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCreateGroupRejectsBadInput(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/groups", `{"name": " "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ledger.ErrEmptyName.Error())

	rec = ts.do(t, http.MethodPost, "/groups", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetGroup(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B")

	rec := ts.do(t, http.MethodGet, "/groups/"+group.ID.String()+"/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/groups/"+uuid.NewString()+"/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/groups/not-a-uuid/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetParticipantsMarksGroupDirty(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B")

	rec := ts.do(t, http.MethodPut, "/groups/"+group.ID.String()+"/participants", `{"participant_ids": ["A", "B", "C"]}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uuid.UUID{group.ID}, ts.reconciler.dirty)

	rec = ts.do(t, http.MethodPut, "/groups/"+uuid.NewString()+"/participants", `{"participant_ids": []}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, ts.reconciler.dirty, 1)
}

func TestCreateExpense(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")

	rec := ts.do(t, http.MethodPost, "/groups/"+group.ID.String()+"/expenses", dinner)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ledger.Expense
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "USD", created.Currency)
	assert.Equal(t, ledger.EqualSplit{}, created.Split)

	require.Len(t, ts.reconciler.mutations, 1)
	m := ts.reconciler.mutations[0]
	assert.Equal(t, ledger.MutationCreate, m.Kind())
	assert.Equal(t, group.ID, m.GroupID)
	assert.Equal(t, created.ID, m.ExpenseID)

	require.Len(t, ts.journal.entries, 1)
	assert.Equal(t, journal.KindExpenseCreated, ts.journal.entries[0].Kind)
}

func TestCreateExpenseValidation(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B")
	path := "/groups/" + group.ID.String() + "/expenses"

	tests := map[string]string{
		"zero amount":    `{"description": "x", "amount": "0", "currency": "USD"}`,
		"no currency":    `{"description": "x", "amount": "1", "currency": ""}`,
		"no description": `{"description": "", "amount": "1", "currency": "USD"}`,
		"unknown split":  `{"description": "x", "amount": "1", "currency": "USD", "split_type": "halves"}`,
		"empty custom":   `{"description": "x", "amount": "1", "currency": "USD", "split_type": "custom", "custom_splits": []}`,
		"malformed json": `{"description":`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, path, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, ts.reconciler.mutations)
}

func TestCreateExpenseUnknownGroup(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(t, http.MethodPost, "/groups/"+uuid.NewString()+"/expenses", dinner)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateExpenseSurvivesReconcileFailure(t *testing.T) {
	ts := newTestServer()
	ts.reconciler.err = assert.AnError
	group := ts.seedGroup(t, "A", "B", "C")

	rec := ts.do(t, http.MethodPost, "/groups/"+group.ID.String()+"/expenses", dinner)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, ts.repo.expenses, 1)
}

func TestUpdateExpense(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")

	rec := ts.do(t, http.MethodPost, "/groups/"+group.ID.String()+"/expenses", dinner)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created ledger.Expense
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	update := `{
		"description": "dinner",
		"amount": "120",
		"currency": "USD",
		"payers": [{"user_id": "B", "amount": "120"}],
		"participant_ids": ["A", "B"],
		"split_type": "shares",
		"custom_splits": [{"user_id": "A", "amount": "3"}],
		"date": "2026-03-02T20:00:00Z"
	}`
	rec = ts.do(t, http.MethodPut, "/groups/"+group.ID.String()+"/expenses/"+created.ID.String(), update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ts.reconciler.mutations, 2)
	m := ts.reconciler.mutations[1]
	assert.Equal(t, ledger.MutationUpdate, m.Kind())
	assert.True(t, m.Before.Amount.Equal(created.Amount))
	assert.Equal(t, "120", m.After.Amount.String())
	assert.Equal(t, created.ID, m.After.ID)

	rec = ts.do(t, http.MethodPut, "/groups/"+group.ID.String()+"/expenses/"+uuid.NewString(), update)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteExpense(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")

	rec := ts.do(t, http.MethodPost, "/groups/"+group.ID.String()+"/expenses", dinner)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created ledger.Expense
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	path := "/groups/" + group.ID.String() + "/expenses/" + created.ID.String()
	rec = ts.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, ts.reconciler.mutations, 2)
	m := ts.reconciler.mutations[1]
	assert.Equal(t, ledger.MutationDelete, m.Kind())
	assert.Nil(t, m.After)
	assert.Equal(t, created.ID, m.Before.ID)

	rec = ts.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExpenses(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")
	path := "/groups/" + group.ID.String() + "/expenses"

	rec := ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	ts.do(t, http.MethodPost, path, dinner)
	rec = ts.do(t, http.MethodGet, path, "")
	var expenses []ledger.Expense
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &expenses))
	assert.Len(t, expenses, 1)
}

func TestGetBalances(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B")

	ref := &ledger.ExpenseRef{ID: uuid.New()}
	group.Snapshot.Balances.Set("B", "USD", decimal.NewFromInt(-50))
	group.Snapshot.Balances.Set("A", "USD", decimal.NewFromInt(50))
	group.Snapshot.LastExpense = ref
	group.Snapshot.ExpensesCount = 1
	group.Snapshot.TotalExpenses = decimal.NewFromInt(100)
	require.NoError(t, ts.repo.CreateGroup(context.Background(), group))

	rec := ts.do(t, http.MethodGet, "/groups/"+group.ID.String()+"/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body balancesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, group.ID, body.GroupID)
	assert.Equal(t, 1, body.ExpensesCount)
	require.Len(t, body.Balances, 2)
	assert.Equal(t, "A", body.Balances[0].UserID)
	assert.Equal(t, "B", body.Balances[1].UserID)
	require.NotNil(t, body.LastExpense)
	assert.Equal(t, ref.ID, body.LastExpense.ID)
}

func TestRecompute(t *testing.T) {
	ts := newTestServer()
	groupID := uuid.New()

	rec := ts.do(t, http.MethodPost, "/groups/"+groupID.String()+"/recompute", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{groupID}, ts.reconciler.recomputed)

	ts.reconciler.err = ledger.ErrGroupNotFound
	rec = ts.do(t, http.MethodPost, "/groups/"+groupID.String()+"/recompute", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.reconciler.err = assert.AnError
	rec = ts.do(t, http.MethodPost, "/groups/"+groupID.String()+"/recompute", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestListJournal(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")

	ts.do(t, http.MethodPost, "/groups/"+group.ID.String()+"/expenses", dinner)
	ts.journal.Record(journal.NewEntry(journal.KindGroupDropped, journal.WithGroup(uuid.New())))

	rec := ts.do(t, http.MethodGet, "/groups/"+group.ID.String()+"/journal", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindExpenseCreated, entries[0].Kind)
}

func TestReconcileOutlivesClientDisconnect(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/groups/"+group.ID.String()+"/expenses", strings.NewReader(dinner)).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/groups/"+group.ID.String()+"/participants", strings.NewReader(`{"participant_ids": ["A", "B"]}`)).WithContext(ctx)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, ts.reconciler.mutations, 1)
	require.Len(t, ts.reconciler.dirty, 1)
	assert.Equal(t, []error{nil, nil}, ts.reconciler.ctxErrs)
}

func TestUpdateExpenseWithoutDateKeepsDate(t *testing.T) {
	ts := newTestServer()
	group := ts.seedGroup(t, "A", "B", "C")

	rec := ts.do(t, http.MethodPost, "/groups/"+group.ID.String()+"/expenses", dinner)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created ledger.Expense
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	update := `{
		"description": "dinner",
		"amount": "60",
		"currency": "USD",
		"payers": [{"user_id": "A", "amount": "60"}],
		"participant_ids": ["A", "B", "C"]
	}`
	rec = ts.do(t, http.MethodPut, "/groups/"+group.ID.String()+"/expenses/"+created.ID.String(), update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated ledger.Expense
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.True(t, updated.Date.Equal(created.Date), "date moved to %s", updated.Date)

	require.Len(t, ts.reconciler.mutations, 2)
	m := ts.reconciler.mutations[1]
	assert.True(t, m.After.Date.Equal(m.Before.Date))

	stored, err := ts.repo.GetExpense(context.Background(), group.ID, created.ID)
	require.NoError(t, err)
	assert.True(t, stored.Date.Equal(created.Date))
}
