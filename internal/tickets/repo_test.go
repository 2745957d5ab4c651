package tickets

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsdesk/opsdesk-backend/pkg/db/models"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	"github.com/opsdesk/opsdesk-backend/pkg/pagination"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:tickets_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Ticket{}))
	return conn
}

func seedTicket(t *testing.T, conn *gorm.DB, number string, createdAt time.Time) models.Ticket {
	t.Helper()
	ticket := models.Ticket{
		ID:           uuid.New(),
		TicketNumber: number,
		Title:        "seed " + number,
		CustomerID:   1001,
		Status:       enums.TicketStatusOpen,
		Priority:     enums.TicketPriorityMedium,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	require.NoError(t, conn.Create(&ticket).Error)
	return ticket
}

func TestRepositoryCreateAndLookups(t *testing.T) {
	t.Parallel()

	conn := newTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	description := "login page 500s"
	ticket := &models.Ticket{
		TicketNumber: "TKT-001",
		Title:        "Login broken",
		Description:  &description,
		CustomerID:   1001,
		Status:       enums.TicketStatusOpen,
		Priority:     enums.TicketPriorityHigh,
	}
	require.NoError(t, repo.Create(ctx, ticket))
	require.NotEqual(t, uuid.Nil, ticket.ID, "create must mint an id")

	byID, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, "TKT-001", byID.TicketNumber)

	byNumber, err := repo.GetByNumber(ctx, "TKT-001")
	require.NoError(t, err)
	require.NotNil(t, byNumber)
	require.Equal(t, ticket.ID, byNumber.ID)

	exists, err := repo.ExistsByNumber(ctx, "TKT-001")
	require.NoError(t, err)
	require.True(t, exists)

	missing, err := repo.GetByID(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing, "absent tickets return nil without error")
}

func TestRepositoryUniqueTicketNumber(t *testing.T) {
	t.Parallel()

	conn := newTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Ticket{
		TicketNumber: "TKT-001", Title: "first", CustomerID: 1,
		Status: enums.TicketStatusOpen, Priority: enums.TicketPriorityMedium,
	}))
	err := repo.Create(ctx, &models.Ticket{
		TicketNumber: "TKT-001", Title: "second", CustomerID: 2,
		Status: enums.TicketStatusOpen, Priority: enums.TicketPriorityMedium,
	})
	require.Error(t, err, "duplicate ticket numbers must violate the unique index")
}

func TestRepositoryUpdateAndDelete(t *testing.T) {
	t.Parallel()

	conn := newTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	ticket := seedTicket(t, conn, "TKT-010", time.Now().UTC())

	ticket.Status = enums.TicketStatusInProgress
	require.NoError(t, repo.Update(ctx, &ticket))

	reloaded, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, enums.TicketStatusInProgress, reloaded.Status)

	found, err := repo.Delete(ctx, ticket.ID)
	require.NoError(t, err)
	require.True(t, found)

	found, err = repo.Delete(ctx, ticket.ID)
	require.NoError(t, err)
	require.False(t, found, "second delete reports not found")
}

func TestRepositoryListFiltersAndPagination(t *testing.T) {
	t.Parallel()

	conn := newTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedTicket(t, conn, fmt.Sprintf("TKT-%03d", i), base.Add(time.Duration(i)*time.Minute))
	}
	batchID := "BATCH-1-AA"
	batched := models.Ticket{
		ID: uuid.New(), TicketNumber: "TKT-BATCH", Title: "from batch", CustomerID: 2002,
		Status: enums.TicketStatusInProgress, Priority: enums.TicketPriorityHigh,
		BatchID: &batchID, CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
	}
	require.NoError(t, conn.Create(&batched).Error)

	status := enums.TicketStatusInProgress
	rows, next, err := repo.List(ctx, listTicketsParams{Status: &status, Limit: 10})
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, rows, 1)
	require.Equal(t, "TKT-BATCH", rows[0].TicketNumber)

	rows, next, err = repo.List(ctx, listTicketsParams{BatchID: &batchID, Limit: 10})
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, rows, 1)

	// Newest first, two pages of three.
	rows, next, err = repo.List(ctx, listTicketsParams{Limit: 3})
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Len(t, rows, 3)
	require.Equal(t, "TKT-BATCH", rows[0].TicketNumber)

	rest, next, err := repo.List(ctx, listTicketsParams{Limit: 3, Cursor: &pagination.Cursor{CreatedAt: next.CreatedAt, ID: next.ID}})
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, rest, 3)
	require.NotEqual(t, rows[2].TicketNumber, rest[0].TicketNumber)
}
