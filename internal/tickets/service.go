// Package tickets implements single-ticket creation and lifecycle. Creation
// is idempotent on the ticket number, which is the contract the bulk
// consumer builds on: replaying a chunk can never double-create a ticket.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/internal/events"
	"github.com/opsdesk/opsdesk-backend/pkg/db"
	"github.com/opsdesk/opsdesk-backend/pkg/db/models"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/pagination"
)

const (
	maxTicketNumberBytes = 50
	maxTitleBytes        = 255
	maxDescriptionBytes  = 5000

	uniqueTicketNumberConstraint = "tickets_ticket_number_key"
)

// Service defines ticket operations.
type Service interface {
	Create(ctx context.Context, params CreateParams) (*models.Ticket, error)
	CreateFromRecord(ctx context.Context, batchID string, record bulk.Record) (CreateOutcome, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	GetByNumber(ctx context.Context, number string) (*models.Ticket, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*models.Ticket, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next enums.TicketStatus) (*models.Ticket, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, params ListParams) (*ListResult, error)
}

// CreateParams carries the fields for a new ticket. Zero-valued status and
// priority fall back to OPEN and MEDIUM.
type CreateParams struct {
	TicketNumber string
	Title        string
	Description  *string
	CustomerID   int64
	AssignedTo   *int64
	Status       enums.TicketStatus
	Priority     enums.TicketPriority
	BatchID      *string
}

// CreateOutcome reports what an idempotent create actually did.
type CreateOutcome struct {
	Ticket        *models.Ticket
	AlreadyExists bool
}

// UpdateParams carries optional field changes; nil means unchanged.
type UpdateParams struct {
	Title       *string
	Description *string
	Priority    *enums.TicketPriority
	AssignedTo  *int64
}

// ListParams configures filtered, cursor-paginated listing. Status and
// Priority are raw inputs validated by the service.
type ListParams struct {
	Status     string
	Priority   string
	CustomerID *int64
	BatchID    string
	Limit      int
	Cursor     string
}

// ListResult wraps returned tickets and the cursor for the next page.
type ListResult struct {
	Items  []models.Ticket `json:"items"`
	Cursor string          `json:"cursor"`
}

// txRunner runs a function inside a database transaction. *db.Client
// satisfies it.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Params wires the service dependencies.
type Params struct {
	DB     txRunner
	Repo   Repository
	Bus    *events.Bus
	Cache  *Cache
	Logger *logger.Logger
}

type service struct {
	db    txRunner
	repo  Repository
	bus   *events.Bus
	cache *Cache
	logg  *logger.Logger
	now   func() time.Time
}

// NewService wires ticket dependencies. Cache may be nil; reads then always
// go to the database.
func NewService(params Params) (Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "tickets database client required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "tickets repository required")
	}
	if params.Bus == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "event bus required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "logger required")
	}
	return &service{
		db:    params.DB,
		repo:  params.Repo,
		bus:   params.Bus,
		cache: params.Cache,
		logg:  params.Logger,
		now:   time.Now,
	}, nil
}

func (s *service) Create(ctx context.Context, params CreateParams) (*models.Ticket, error) {
	outcome, err := s.createIdempotent(ctx, params)
	if err != nil {
		return nil, err
	}
	if outcome.AlreadyExists {
		return nil, pkgerrors.New(pkgerrors.CodeDuplicateTicket,
			fmt.Sprintf("ticket %s already exists", outcome.Ticket.TicketNumber))
	}
	return outcome.Ticket, nil
}

// CreateFromRecord is the bulk-path entry point. A pre-existing ticket with
// the same number reports AlreadyExists without error; a concurrent insert
// losing the unique-constraint race surfaces as DUPLICATE_TICKET.
func (s *service) CreateFromRecord(ctx context.Context, batchID string, record bulk.Record) (CreateOutcome, error) {
	params := CreateParams{
		TicketNumber: record.BusinessKey,
		Title:        record.Title,
		Description:  record.Description,
		CustomerID:   record.CustomerID,
		AssignedTo:   record.AssigneeID,
		Status:       record.Status,
		Priority:     record.Priority,
	}
	if batchID != "" {
		params.BatchID = &batchID
	}
	return s.createIdempotent(ctx, params)
}

func (s *service) createIdempotent(ctx context.Context, params CreateParams) (CreateOutcome, error) {
	if err := validateCreateParams(&params); err != nil {
		return CreateOutcome{}, err
	}

	existing, err := s.repo.GetByNumber(ctx, params.TicketNumber)
	if err != nil {
		return CreateOutcome{}, pkgerrors.Wrap(pkgerrors.CodeDatabaseError, err, "look up ticket by number")
	}
	if existing != nil {
		return CreateOutcome{Ticket: existing, AlreadyExists: true}, nil
	}

	now := s.now().UTC()
	due := now.Add(time.Duration(params.Priority.SLAHours()) * time.Hour)
	ticket := &models.Ticket{
		TicketNumber: params.TicketNumber,
		Title:        params.Title,
		Description:  params.Description,
		CustomerID:   params.CustomerID,
		AssignedTo:   params.AssignedTo,
		Status:       params.Status,
		Priority:     params.Priority,
		BatchID:      params.BatchID,
		DueAt:        &due,
	}
	switch params.Status {
	case enums.TicketStatusResolved:
		ticket.ResolvedAt = &now
	case enums.TicketStatusClosed:
		ticket.ClosedAt = &now
	}

	collector := s.bus.Collector()
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, ticket); err != nil {
			return err
		}
		collector.Add(events.Created(ticket))
		return nil
	})
	if err != nil {
		collector.Rollback(ctx)
		if db.IsUniqueViolation(err, uniqueTicketNumberConstraint) {
			return CreateOutcome{}, pkgerrors.Wrap(pkgerrors.CodeDuplicateTicket, err,
				fmt.Sprintf("ticket %s already exists", params.TicketNumber))
		}
		return CreateOutcome{}, wrapUnlessTyped(err, "create ticket")
	}
	collector.Commit(ctx)
	return CreateOutcome{Ticket: ticket}, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRowData, "ticket id required")
	}
	if cached := s.cache.GetByID(ctx, id); cached != nil {
		return cached, nil
	}
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDatabaseError, err, "get ticket")
	}
	if ticket == nil {
		return nil, pkgerrors.New(pkgerrors.CodeTicketNotFound, "ticket not found")
	}
	s.bus.Publish(ctx, events.CacheHydrate(ticket))
	return ticket, nil
}

func (s *service) GetByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, pkgerrors.New(pkgerrors.CodeMissingTicketNumber, "ticket number required")
	}
	if cached := s.cache.GetByNumber(ctx, number); cached != nil {
		return cached, nil
	}
	ticket, err := s.repo.GetByNumber(ctx, number)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDatabaseError, err, "get ticket by number")
	}
	if ticket == nil {
		return nil, pkgerrors.New(pkgerrors.CodeTicketNotFound, "ticket not found")
	}
	s.bus.Publish(ctx, events.CacheHydrate(ticket))
	return ticket, nil
}

func (s *service) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*models.Ticket, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRowData, "ticket id required")
	}
	if err := validateUpdateParams(&params); err != nil {
		return nil, err
	}

	var updated *models.Ticket
	collector := s.bus.Collector()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ticket, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if ticket == nil {
			return pkgerrors.New(pkgerrors.CodeTicketNotFound, "ticket not found")
		}

		if params.Title != nil {
			ticket.Title = *params.Title
		}
		if params.Description != nil {
			ticket.Description = params.Description
		}
		if params.AssignedTo != nil {
			ticket.AssignedTo = params.AssignedTo
		}
		if params.Priority != nil && *params.Priority != ticket.Priority {
			ticket.Priority = *params.Priority
			due := ticket.CreatedAt.UTC().Add(time.Duration(params.Priority.SLAHours()) * time.Hour)
			ticket.DueAt = &due
		}

		if err := repo.Update(ctx, ticket); err != nil {
			return err
		}
		updated = ticket
		collector.Add(events.Updated(ticket))
		return nil
	})
	if err != nil {
		collector.Rollback(ctx)
		return nil, wrapUnlessTyped(err, "update ticket")
	}
	collector.Commit(ctx)
	return updated, nil
}

func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, next enums.TicketStatus) (*models.Ticket, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRowData, "ticket id required")
	}
	if !next.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRowData, fmt.Sprintf("unknown status %q", next))
	}

	var updated *models.Ticket
	collector := s.bus.Collector()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ticket, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if ticket == nil {
			return pkgerrors.New(pkgerrors.CodeTicketNotFound, "ticket not found")
		}
		if ticket.Status == next {
			updated = ticket
			collector.Add(events.CacheHydrate(ticket))
			return nil
		}
		if !ticket.Status.CanTransitionTo(next) {
			return pkgerrors.New(pkgerrors.CodeInvalidStatusTransition,
				fmt.Sprintf("cannot move ticket from %s to %s", ticket.Status, next))
		}

		now := s.now().UTC()
		ticket.Status = next
		switch next {
		case enums.TicketStatusResolved:
			ticket.ResolvedAt = &now
		case enums.TicketStatusClosed:
			ticket.ClosedAt = &now
		case enums.TicketStatusReopened:
			ticket.ResolvedAt = nil
			ticket.ClosedAt = nil
		}
		if err := repo.Update(ctx, ticket); err != nil {
			return err
		}
		updated = ticket
		collector.Add(events.Updated(ticket))
		return nil
	})
	if err != nil {
		collector.Rollback(ctx)
		return nil, wrapUnlessTyped(err, "update ticket status")
	}
	collector.Commit(ctx)
	return updated, nil
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, "ticket id required")
	}

	collector := s.bus.Collector()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ticket, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if ticket == nil {
			return pkgerrors.New(pkgerrors.CodeTicketNotFound, "ticket not found")
		}
		found, err := repo.Delete(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return pkgerrors.New(pkgerrors.CodeTicketNotFound, "ticket not found")
		}
		collector.Add(events.Deleted(ticket.ID, ticket.TicketNumber))
		return nil
	})
	if err != nil {
		collector.Rollback(ctx)
		return wrapUnlessTyped(err, "delete ticket")
	}
	collector.Commit(ctx)
	return nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	query := listTicketsParams{Limit: pagination.LimitWithBuffer(params.Limit)}

	if raw := strings.TrimSpace(params.Status); raw != "" {
		status, err := enums.ParseTicketStatus(raw)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidRowData, err, "invalid status filter")
		}
		query.Status = &status
	}
	if raw := strings.TrimSpace(params.Priority); raw != "" {
		priority, err := enums.ParseTicketPriority(raw)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidPriority, err, "invalid priority filter")
		}
		query.Priority = &priority
	}
	if params.CustomerID != nil {
		if *params.CustomerID <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeInvalidCustomerID, "customer id must be a positive integer")
		}
		query.CustomerID = params.CustomerID
	}
	if batchID := strings.TrimSpace(params.BatchID); batchID != "" {
		query.BatchID = &batchID
	}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidRowData, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, next, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDatabaseError, err, "list tickets")
	}

	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &ListResult{Items: rows, Cursor: cursor}, nil
}

func validateCreateParams(params *CreateParams) error {
	params.TicketNumber = strings.TrimSpace(params.TicketNumber)
	params.Title = strings.TrimSpace(params.Title)

	if params.TicketNumber == "" {
		return pkgerrors.New(pkgerrors.CodeMissingTicketNumber, "ticket number is required")
	}
	if len(params.TicketNumber) > maxTicketNumberBytes {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData,
			fmt.Sprintf("ticket number exceeds %d bytes", maxTicketNumberBytes))
	}
	if params.Title == "" {
		return pkgerrors.New(pkgerrors.CodeMissingTitle, "title is required")
	}
	if len(params.Title) > maxTitleBytes {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData,
			fmt.Sprintf("title exceeds %d bytes", maxTitleBytes))
	}
	if params.CustomerID <= 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidCustomerID, "customer id must be a positive integer")
	}
	if params.AssignedTo != nil && *params.AssignedTo <= 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, "assignee id must be a positive integer")
	}
	if params.Status == "" {
		params.Status = enums.TicketStatusOpen
	} else if !params.Status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, fmt.Sprintf("unknown status %q", params.Status))
	}
	if params.Priority == "" {
		params.Priority = enums.TicketPriorityMedium
	} else if !params.Priority.IsValid() {
		return pkgerrors.New(pkgerrors.CodeInvalidPriority, fmt.Sprintf("unknown priority %q", params.Priority))
	}
	if params.Description != nil {
		truncated := truncateBytes(*params.Description, maxDescriptionBytes)
		params.Description = &truncated
	}
	return nil
}

func validateUpdateParams(params *UpdateParams) error {
	if params.Title != nil {
		title := strings.TrimSpace(*params.Title)
		if title == "" {
			return pkgerrors.New(pkgerrors.CodeMissingTitle, "title is required")
		}
		if len(title) > maxTitleBytes {
			return pkgerrors.New(pkgerrors.CodeInvalidRowData,
				fmt.Sprintf("title exceeds %d bytes", maxTitleBytes))
		}
		params.Title = &title
	}
	if params.Priority != nil && !params.Priority.IsValid() {
		return pkgerrors.New(pkgerrors.CodeInvalidPriority, fmt.Sprintf("unknown priority %q", *params.Priority))
	}
	if params.AssignedTo != nil && *params.AssignedTo <= 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, "assignee id must be a positive integer")
	}
	if params.Description != nil {
		truncated := truncateBytes(*params.Description, maxDescriptionBytes)
		params.Description = &truncated
	}
	return nil
}

// wrapUnlessTyped returns err untouched when it already carries a taxonomy
// code and classifies it otherwise.
func wrapUnlessTyped(err error, message string) error {
	var typed *pkgerrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.Classify(err), err, message)
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
