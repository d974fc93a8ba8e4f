package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/gyaneshwarpardhi/ticketflow/internal/ticket"
)

func (s *Store) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	var rec ticketRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ticket.ErrNotFound)
	}
	return rec.toTicket()
}

// SaveTicket inserts or fully replaces a ticket row.
func (s *Store) SaveTicket(ctx context.Context, t *ticket.Ticket) error {
	rec, err := fromTicket(t)
	if err != nil {
		return err
	}
	rec.UpdatedAt = s.now()
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"uid", "subject", "status", "priority", "assignee_id", "tags", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save ticket %s: %w", t.ID, err)
	}
	t.UpdatedAt = rec.UpdatedAt
	return nil
}

func (s *Store) AddComment(ctx context.Context, c *ticket.Comment) error {
	rec := &commentRecord{
		TicketID:  c.TicketID,
		OwnerID:   c.OwnerID,
		Body:      c.Body,
		Internal:  c.Internal,
		CreatedAt: c.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("add comment to ticket %s: %w", c.TicketID, err)
	}
	return nil
}

// Comments returns a ticket's comments oldest first.
func (s *Store) Comments(ctx context.Context, ticketID string) ([]*ticket.Comment, error) {
	var recs []commentRecord
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list comments of ticket %s: %w", ticketID, err)
	}
	out := make([]*ticket.Comment, 0, len(recs))
	for _, r := range recs {
		out = append(out, &ticket.Comment{
			TicketID:  r.TicketID,
			OwnerID:   r.OwnerID,
			Body:      r.Body,
			Internal:  r.Internal,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
