package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
)

func (s *Store) ListProviders(ctx context.Context) ([]*provider.Provider, error) {
	var recs []providerRecord
	if err := s.db.WithContext(ctx).Order("priority ASC, created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]*provider.Provider, 0, len(recs))
	for i := range recs {
		p, err := recs[i].toProvider()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (*provider.Provider, error) {
	var rec providerRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, provider.ErrNotFound)
	}
	return rec.toProvider()
}

func (s *Store) findProviderByName(ctx context.Context, name string) (*provider.Provider, error) {
	var rec providerRecord
	if err := s.db.WithContext(ctx).First(&rec, "name = ?", name).Error; err != nil {
		return nil, notFound(err, provider.ErrNotFound)
	}
	return rec.toProvider()
}

func (s *Store) CreateProvider(ctx context.Context, p *provider.Provider) error {
	if p.ID == "" {
		p.ID = newID()
	}
	rec, err := fromProvider(p)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create provider %s: %w", p.Name, err)
	}
	p.CreatedAt, p.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

// UpdateProvider applies fn to the freshest row inside a transaction, so
// concurrent sends never lose a counter increment.
func (s *Store) UpdateProvider(ctx context.Context, id string, fn func(p *provider.Provider) error) (*provider.Provider, error) {
	var out *provider.Provider
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec providerRecord
		if err := forUpdate(tx).First(&rec, "id = ?", id).Error; err != nil {
			return notFound(err, provider.ErrNotFound)
		}
		p, err := rec.toProvider()
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.ID = id
		next, err := fromProvider(p)
		if err != nil {
			return err
		}
		next.CreatedAt = rec.CreatedAt
		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("save provider %s: %w", id, err)
		}
		p.UpdatedAt = next.UpdatedAt
		out = p
		return nil
	})
	return out, err
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&providerRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete provider %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return provider.ErrNotFound
	}
	return nil
}
