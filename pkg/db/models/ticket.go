package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsdesk/opsdesk-backend/pkg/enums"
)

// Ticket is the canonical support ticket entity. TicketNumber is the
// client-supplied business key and is unique across the table.
type Ticket struct {
	ID           uuid.UUID            `gorm:"type:uuid;primaryKey"`
	TicketNumber string               `gorm:"column:ticket_number;type:text;not null;uniqueIndex:tickets_ticket_number_key"`
	Title        string               `gorm:"column:title;type:varchar(255);not null"`
	Description  *string              `gorm:"column:description;type:text"`
	CustomerID   int64                `gorm:"column:customer_id;not null;index"`
	AssignedTo   *int64               `gorm:"column:assigned_to"`
	Status       enums.TicketStatus   `gorm:"column:status;type:text;not null;default:'OPEN'"`
	Priority     enums.TicketPriority `gorm:"column:priority;type:text;not null;default:'MEDIUM'"`
	BatchID      *string              `gorm:"column:batch_id;index"`
	DueAt        *time.Time           `gorm:"column:due_at"`
	ResolvedAt   *time.Time           `gorm:"column:resolved_at"`
	ClosedAt     *time.Time           `gorm:"column:closed_at"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate mints the primary key when the caller did not set one.
func (t *Ticket) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
