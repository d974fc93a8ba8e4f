package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

func (s *Store) ListWebhooks(ctx context.Context) ([]*webhook.Subscription, error) {
	var recs []webhookRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return toWebhooks(recs)
}

func (s *Store) ActiveWebhooks(ctx context.Context) ([]*webhook.Subscription, error) {
	var recs []webhookRecord
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	return toWebhooks(recs)
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*webhook.Subscription, error) {
	var rec webhookRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, webhook.ErrNotFound)
	}
	return rec.toWebhook()
}

func (s *Store) findWebhookByName(ctx context.Context, name string) (*webhook.Subscription, error) {
	var rec webhookRecord
	if err := s.db.WithContext(ctx).First(&rec, "name = ?", name).Error; err != nil {
		return nil, notFound(err, webhook.ErrNotFound)
	}
	return rec.toWebhook()
}

func (s *Store) CreateWebhook(ctx context.Context, sub *webhook.Subscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	rec, err := fromWebhook(sub)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create webhook %s: %w", sub.Name, err)
	}
	sub.CreatedAt, sub.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

// UpdateWebhook applies fn to the stored subscription inside a transaction.
func (s *Store) UpdateWebhook(ctx context.Context, id string, fn func(sub *webhook.Subscription) error) (*webhook.Subscription, error) {
	var out *webhook.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec webhookRecord
		if err := forUpdate(tx).First(&rec, "id = ?", id).Error; err != nil {
			return notFound(err, webhook.ErrNotFound)
		}
		sub, err := rec.toWebhook()
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		sub.ID = id
		next, err := fromWebhook(sub)
		if err != nil {
			return err
		}
		next.CreatedAt = rec.CreatedAt
		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("save webhook %s: %w", id, err)
		}
		sub.UpdatedAt = next.UpdatedAt
		out = sub
		return nil
	})
	return out, err
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&webhookRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete webhook %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func toWebhooks(recs []webhookRecord) ([]*webhook.Subscription, error) {
	out := make([]*webhook.Subscription, 0, len(recs))
	for i := range recs {
		sub, err := recs[i].toWebhook()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
