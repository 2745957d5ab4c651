package tickets

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/internal/events"
	"github.com/opsdesk/opsdesk-backend/pkg/db/models"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/pagination"
)

type fakeRepository struct {
	createFn         func(ctx context.Context, ticket *models.Ticket) error
	getByIDFn        func(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	getByNumberFn    func(ctx context.Context, number string) (*models.Ticket, error)
	existsByNumberFn func(ctx context.Context, number string) (bool, error)
	updateFn         func(ctx context.Context, ticket *models.Ticket) error
	deleteFn         func(ctx context.Context, id uuid.UUID) (bool, error)
	listFn           func(ctx context.Context, params listTicketsParams) ([]models.Ticket, *pagination.Cursor, error)
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	if f.createFn != nil {
		return f.createFn(ctx, ticket)
	}
	return nil
}

func (f *fakeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeRepository) GetByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	if f.getByNumberFn != nil {
		return f.getByNumberFn(ctx, number)
	}
	return nil, nil
}

func (f *fakeRepository) ExistsByNumber(ctx context.Context, number string) (bool, error) {
	if f.existsByNumberFn != nil {
		return f.existsByNumberFn(ctx, number)
	}
	return false, nil
}

func (f *fakeRepository) Update(ctx context.Context, ticket *models.Ticket) error {
	if f.updateFn != nil {
		return f.updateFn(ctx, ticket)
	}
	return nil
}

func (f *fakeRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return true, nil
}

func (f *fakeRepository) List(ctx context.Context, params listTicketsParams) ([]models.Ticket, *pagination.Cursor, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, nil, nil
}

// fakeTx runs the transactional function without a database.
type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type eventRecorder struct {
	events []events.Event
}

func (r *eventRecorder) subscriber() events.Subscriber {
	return func(ctx context.Context, event events.Event) {
		r.events = append(r.events, event)
	}
}

func (r *eventRecorder) kinds() []events.Kind {
	kinds := make([]events.Kind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo *fakeRepository) (Service, *eventRecorder) {
	t.Helper()
	bus := events.NewBus(nil)
	recorder := &eventRecorder{}
	bus.Subscribe(recorder.subscriber())
	logg := logger.New(logger.Options{ServiceName: "tickets-test", Output: io.Discard})
	svc, err := NewService(Params{DB: fakeTx{}, Repo: repo, Bus: bus, Logger: logg})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	svc.(*service).now = func() time.Time { return testNow }
	return svc, recorder
}

func TestCreateFromRecordCreatesTicket(t *testing.T) {
	var saved *models.Ticket
	repo := &fakeRepository{
		createFn: func(ctx context.Context, ticket *models.Ticket) error {
			ticket.ID = uuid.New()
			saved = ticket
			return nil
		},
	}
	svc, recorder := newTestService(t, repo)

	outcome, err := svc.CreateFromRecord(context.Background(), "BATCH-1-AA", bulk.Record{
		BusinessKey: "TKT-100",
		Title:       "printer on fire",
		CustomerID:  12,
		Status:      enums.TicketStatusOpen,
		Priority:    enums.TicketPriorityMedium,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if outcome.AlreadyExists {
		t.Fatal("fresh ticket must not report AlreadyExists")
	}
	if saved == nil || saved.TicketNumber != "TKT-100" {
		t.Fatalf("repository did not receive the ticket: %+v", saved)
	}
	if saved.BatchID == nil || *saved.BatchID != "BATCH-1-AA" {
		t.Fatalf("batch id not recorded: %+v", saved.BatchID)
	}
	wantDue := testNow.Add(24 * time.Hour)
	if saved.DueAt == nil || !saved.DueAt.Equal(wantDue) {
		t.Fatalf("expected MEDIUM due date %v, got %v", wantDue, saved.DueAt)
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != events.KindCreated {
		t.Fatalf("expected a single created event, got %v", kinds)
	}
}

func TestCreateFromRecordAlreadyExists(t *testing.T) {
	existing := &models.Ticket{ID: uuid.New(), TicketNumber: "TKT-100"}
	created := false
	repo := &fakeRepository{
		getByNumberFn: func(ctx context.Context, number string) (*models.Ticket, error) {
			return existing, nil
		},
		createFn: func(ctx context.Context, ticket *models.Ticket) error {
			created = true
			return nil
		},
	}
	svc, recorder := newTestService(t, repo)

	outcome, err := svc.CreateFromRecord(context.Background(), "BATCH-1-AA", bulk.Record{
		BusinessKey: "TKT-100", Title: "again", CustomerID: 12,
		Status: enums.TicketStatusOpen, Priority: enums.TicketPriorityLow,
	})
	if err != nil {
		t.Fatalf("idempotent create must not error: %v", err)
	}
	if !outcome.AlreadyExists || outcome.Ticket != existing {
		t.Fatalf("expected AlreadyExists with the stored ticket, got %+v", outcome)
	}
	if created {
		t.Fatal("existing ticket must not be re-created")
	}
	if len(recorder.events) != 0 {
		t.Fatalf("no events expected, got %v", recorder.kinds())
	}
}

func TestCreateFromRecordUniqueRace(t *testing.T) {
	repo := &fakeRepository{
		createFn: func(ctx context.Context, ticket *models.Ticket) error {
			return &pgconn.PgError{Code: "23505", ConstraintName: "tickets_ticket_number_key"}
		},
	}
	svc, recorder := newTestService(t, repo)

	_, err := svc.CreateFromRecord(context.Background(), "", bulk.Record{
		BusinessKey: "TKT-100", Title: "race", CustomerID: 12,
		Status: enums.TicketStatusOpen, Priority: enums.TicketPriorityMedium,
	})
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeDuplicateTicket {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeDuplicateTicket, got)
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != events.KindRolledback {
		t.Fatalf("expected a rollback marker, got %v", kinds)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeRepository{})
	longKey := make([]byte, maxTicketNumberBytes+1)
	for i := range longKey {
		longKey[i] = 'k'
	}
	badAssignee := int64(-1)

	cases := []struct {
		name   string
		params CreateParams
		code   pkgerrors.Code
	}{
		{name: "missing number", params: CreateParams{Title: "t", CustomerID: 1}, code: pkgerrors.CodeMissingTicketNumber},
		{name: "long number", params: CreateParams{TicketNumber: string(longKey), Title: "t", CustomerID: 1}, code: pkgerrors.CodeInvalidRowData},
		{name: "missing title", params: CreateParams{TicketNumber: "TKT-1", CustomerID: 1}, code: pkgerrors.CodeMissingTitle},
		{name: "bad customer", params: CreateParams{TicketNumber: "TKT-1", Title: "t", CustomerID: 0}, code: pkgerrors.CodeInvalidCustomerID},
		{name: "bad assignee", params: CreateParams{TicketNumber: "TKT-1", Title: "t", CustomerID: 1, AssignedTo: &badAssignee}, code: pkgerrors.CodeInvalidRowData},
		{name: "unknown status", params: CreateParams{TicketNumber: "TKT-1", Title: "t", CustomerID: 1, Status: "FROZEN"}, code: pkgerrors.CodeInvalidRowData},
		{name: "unknown priority", params: CreateParams{TicketNumber: "TKT-1", Title: "t", CustomerID: 1, Priority: "EXTREME"}, code: pkgerrors.CodeInvalidPriority},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.params)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := pkgerrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}
}

func TestCreateRejectsExistingNumber(t *testing.T) {
	repo := &fakeRepository{
		getByNumberFn: func(ctx context.Context, number string) (*models.Ticket, error) {
			return &models.Ticket{ID: uuid.New(), TicketNumber: number}, nil
		},
	}
	svc, _ := newTestService(t, repo)

	_, err := svc.Create(context.Background(), CreateParams{TicketNumber: "TKT-1", Title: "dup", CustomerID: 3})
	if err == nil {
		t.Fatal("expected duplicate error on the API path")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeDuplicateTicket {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeDuplicateTicket, got)
	}
}

func TestGetByIDHydratesCache(t *testing.T) {
	id := uuid.New()
	lookups := 0
	repo := &fakeRepository{
		getByIDFn: func(ctx context.Context, got uuid.UUID) (*models.Ticket, error) {
			lookups++
			return &models.Ticket{ID: id, TicketNumber: "TKT-1", Title: "cached"}, nil
		},
	}

	bus := events.NewBus(nil)
	store := newFakeCacheStore()
	cache := NewCache(store, time.Minute, nil)
	bus.Subscribe(cache.Subscriber())
	logg := logger.New(logger.Options{ServiceName: "tickets-test", Output: io.Discard})
	svc, err := NewService(Params{DB: fakeTx{}, Repo: repo, Bus: bus, Cache: cache, Logger: logg})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	first, err := svc.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	second, err := svc.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected cached get error: %v", err)
	}
	if lookups != 1 {
		t.Fatalf("expected a single repository lookup, got %d", lookups)
	}
	if first.TicketNumber != second.TicketNumber {
		t.Fatalf("cache returned a different ticket: %+v vs %+v", first, second)
	}
	if store.data[cacheKeyByNumber("TKT-1")] == "" {
		t.Fatal("hydration must also fill the number key")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeRepository{})
	_, err := svc.GetByID(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected not found error")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeTicketNotFound {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeTicketNotFound, got)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	id := uuid.New()
	current := enums.TicketStatusOpen
	repo := &fakeRepository{
		getByIDFn: func(ctx context.Context, got uuid.UUID) (*models.Ticket, error) {
			return &models.Ticket{ID: id, TicketNumber: "TKT-1", Status: current}, nil
		},
	}
	svc, recorder := newTestService(t, repo)

	updated, err := svc.UpdateStatus(context.Background(), id, enums.TicketStatusInProgress)
	if err != nil {
		t.Fatalf("legal transition failed: %v", err)
	}
	if updated.Status != enums.TicketStatusInProgress {
		t.Fatalf("status not updated: %s", updated.Status)
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != events.KindUpdated {
		t.Fatalf("expected updated event, got %v", kinds)
	}

	current = enums.TicketStatusClosed
	_, err = svc.UpdateStatus(context.Background(), id, enums.TicketStatusInProgress)
	if err == nil {
		t.Fatal("closed tickets cannot move to in progress")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeInvalidStatusTransition {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeInvalidStatusTransition, got)
	}
}

func TestUpdateStatusStampsLifecycleTimes(t *testing.T) {
	id := uuid.New()
	resolvedAt := testNow.Add(-time.Hour)
	cases := []struct {
		name    string
		current models.Ticket
		next    enums.TicketStatus
		check   func(t *testing.T, ticket *models.Ticket)
	}{
		{
			name:    "resolve stamps resolved_at",
			current: models.Ticket{ID: id, Status: enums.TicketStatusInProgress},
			next:    enums.TicketStatusResolved,
			check: func(t *testing.T, ticket *models.Ticket) {
				if ticket.ResolvedAt == nil || !ticket.ResolvedAt.Equal(testNow) {
					t.Fatalf("resolved_at not stamped: %+v", ticket.ResolvedAt)
				}
			},
		},
		{
			name:    "close stamps closed_at",
			current: models.Ticket{ID: id, Status: enums.TicketStatusResolved, ResolvedAt: &resolvedAt},
			next:    enums.TicketStatusClosed,
			check: func(t *testing.T, ticket *models.Ticket) {
				if ticket.ClosedAt == nil || !ticket.ClosedAt.Equal(testNow) {
					t.Fatalf("closed_at not stamped: %+v", ticket.ClosedAt)
				}
			},
		},
		{
			name:    "reopen clears lifecycle stamps",
			current: models.Ticket{ID: id, Status: enums.TicketStatusClosed, ResolvedAt: &resolvedAt, ClosedAt: &resolvedAt},
			next:    enums.TicketStatusReopened,
			check: func(t *testing.T, ticket *models.Ticket) {
				if ticket.ResolvedAt != nil || ticket.ClosedAt != nil {
					t.Fatalf("reopen must clear stamps: %+v %+v", ticket.ResolvedAt, ticket.ClosedAt)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			current := tc.current
			repo := &fakeRepository{
				getByIDFn: func(ctx context.Context, got uuid.UUID) (*models.Ticket, error) {
					return &current, nil
				},
			}
			svc, _ := newTestService(t, repo)
			updated, err := svc.UpdateStatus(context.Background(), id, tc.next)
			if err != nil {
				t.Fatalf("transition failed: %v", err)
			}
			tc.check(t, updated)
		})
	}
}

func TestUpdateRecomputesDueOnPriorityChange(t *testing.T) {
	id := uuid.New()
	createdAt := testNow.Add(-2 * time.Hour)
	repo := &fakeRepository{
		getByIDFn: func(ctx context.Context, got uuid.UUID) (*models.Ticket, error) {
			return &models.Ticket{
				ID: id, TicketNumber: "TKT-1", Title: "t",
				Priority: enums.TicketPriorityMedium, CreatedAt: createdAt,
			}, nil
		},
	}
	svc, _ := newTestService(t, repo)

	critical := enums.TicketPriorityCritical
	updated, err := svc.Update(context.Background(), id, UpdateParams{Priority: &critical})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	wantDue := createdAt.Add(4 * time.Hour)
	if updated.DueAt == nil || !updated.DueAt.Equal(wantDue) {
		t.Fatalf("expected due %v, got %v", wantDue, updated.DueAt)
	}
}

func TestDeletePublishesInvalidation(t *testing.T) {
	id := uuid.New()
	repo := &fakeRepository{
		getByIDFn: func(ctx context.Context, got uuid.UUID) (*models.Ticket, error) {
			return &models.Ticket{ID: id, TicketNumber: "TKT-9"}, nil
		},
	}
	svc, recorder := newTestService(t, repo)

	if err := svc.Delete(context.Background(), id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(recorder.events) != 1 || recorder.events[0].Kind != events.KindDeleted {
		t.Fatalf("expected deleted event, got %v", recorder.kinds())
	}
	if recorder.events[0].BusinessKey != "TKT-9" {
		t.Fatalf("deleted event missing business key: %+v", recorder.events[0])
	}
}

func TestListValidatesFilters(t *testing.T) {
	var captured listTicketsParams
	repo := &fakeRepository{
		listFn: func(ctx context.Context, params listTicketsParams) ([]models.Ticket, *pagination.Cursor, error) {
			captured = params
			return []models.Ticket{{TicketNumber: "TKT-1"}}, nil, nil
		},
	}
	svc, _ := newTestService(t, repo)

	result, err := svc.List(context.Background(), ListParams{Status: "in_progress", Priority: "HIGH", Limit: 5})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Items) != 1 || result.Cursor != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if captured.Status == nil || *captured.Status != enums.TicketStatusInProgress {
		t.Fatalf("status filter not parsed: %+v", captured.Status)
	}
	if captured.Priority == nil || *captured.Priority != enums.TicketPriorityHigh {
		t.Fatalf("priority filter not parsed: %+v", captured.Priority)
	}
	if captured.Limit != pagination.LimitWithBuffer(5) {
		t.Fatalf("limit not buffered: %d", captured.Limit)
	}

	if _, err := svc.List(context.Background(), ListParams{Status: "NOPE"}); err == nil {
		t.Fatal("invalid status filter must fail")
	}
}

func TestListErrorWraps(t *testing.T) {
	repo := &fakeRepository{
		listFn: func(ctx context.Context, params listTicketsParams) ([]models.Ticket, *pagination.Cursor, error) {
			return nil, nil, errors.New("connection reset")
		},
	}
	svc, _ := newTestService(t, repo)

	_, err := svc.List(context.Background(), ListParams{})
	if err == nil {
		t.Fatal("expected list error")
	}
	if got := pkgerrors.CodeOf(err); got != pkgerrors.CodeDatabaseError {
		t.Fatalf("expected %s, got %s", pkgerrors.CodeDatabaseError, got)
	}
}

type fakeCacheStore struct {
	data map[string]string
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{data: map[string]string{}}
}

func (f *fakeCacheStore) Get(ctx context.Context, key string) (string, error) {
	value, ok := f.data[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return value, nil
}

func (f *fakeCacheStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	text, ok := value.(string)
	if !ok {
		return errors.New("unexpected cache value type")
	}
	f.data[key] = text
	return nil
}

func (f *fakeCacheStore) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}
