package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/billbatista/acasinha-ledger/journal"
	"github.com/billbatista/acasinha-ledger/ledger"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Repository interface {
	CreateGroup(ctx context.Context, group ledger.Group) error
	GetGroup(ctx context.Context, groupID uuid.UUID) (*ledger.Group, error)
	SetParticipants(ctx context.Context, groupID uuid.UUID, participantIDs []string) error
	ListExpenses(ctx context.Context, groupID uuid.UUID) ([]ledger.Expense, error)
	GetExpense(ctx context.Context, groupID, expenseID uuid.UUID) (*ledger.Expense, error)
	CreateExpense(ctx context.Context, expense ledger.Expense) error
	UpdateExpense(ctx context.Context, expense ledger.Expense) (*ledger.Expense, error)
	DeleteExpense(ctx context.Context, groupID, expenseID uuid.UUID) (*ledger.Expense, error)
}

// Reconciler is the part of the reconciliation coordinator the API drives.
type Reconciler interface {
	HandleMutation(ctx context.Context, m ledger.ExpenseMutation) error
	MarkDirty(ctx context.Context, groupID uuid.UUID) error
	RecomputeGroup(ctx context.Context, groupID uuid.UUID) (ledger.Snapshot, error)
}

type Server struct {
	repo       Repository
	reconciler Reconciler
	entries    journal.Store
	recorder   journal.Recorder
	logger     *slog.Logger
}

func NewServer(repo Repository, reconciler Reconciler, entries journal.Store, recorder journal.Recorder, logger *slog.Logger) *Server {
	if recorder == nil {
		recorder = journal.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:       repo,
		reconciler: reconciler,
		entries:    entries,
		recorder:   recorder,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	router.Post("/groups", s.createGroup)
	router.Route("/groups/{groupID}", func(r chi.Router) {
		r.Get("/", s.getGroup)
		r.Put("/participants", s.setParticipants)
		r.Get("/balances", s.getBalances)
		r.Post("/recompute", s.recompute)
		r.Get("/journal", s.listJournal)

		r.Get("/expenses", s.listExpenses)
		r.Post("/expenses", s.createExpense)
		r.Get("/expenses/{expenseID}", s.getExpense)
		r.Put("/expenses/{expenseID}", s.updateExpense)
		r.Delete("/expenses/{expenseID}", s.deleteExpense)
	})

	return router
}
