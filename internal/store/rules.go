package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
)

func (s *Store) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	var recs []ruleRecord
	if err := s.db.WithContext(ctx).Order("priority ASC, created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return toRules(recs)
}

// ActiveRules returns active rules for t, ordered by priority then creation time.
func (s *Store) ActiveRules(ctx context.Context, t rule.EventType) ([]*rule.Rule, error) {
	var recs []ruleRecord
	err := s.db.WithContext(ctx).
		Where("active = ? AND event_type = ?", true, string(t)).
		Order("priority ASC, created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list active rules for %s: %w", t, err)
	}
	return toRules(recs)
}

func (s *Store) GetRule(ctx context.Context, id string) (*rule.Rule, error) {
	var rec ruleRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, rule.ErrNotFound)
	}
	return rec.toRule()
}

func (s *Store) findRuleByName(ctx context.Context, name string) (*rule.Rule, error) {
	var rec ruleRecord
	if err := s.db.WithContext(ctx).First(&rec, "name = ?", name).Error; err != nil {
		return nil, notFound(err, rule.ErrNotFound)
	}
	return rec.toRule()
}

// CreateRule inserts r, assigning an id when it has none.
func (s *Store) CreateRule(ctx context.Context, r *rule.Rule) error {
	if r.ID == "" {
		r.ID = newID()
	}
	rec, err := fromRule(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create rule %s: %w", r.Name, err)
	}
	r.CreatedAt, r.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

// UpdateRule applies fn to the stored rule inside a transaction and persists
// the result. An error from fn aborts the update and is returned as is.
func (s *Store) UpdateRule(ctx context.Context, id string, fn func(r *rule.Rule) error) (*rule.Rule, error) {
	var out *rule.Rule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec ruleRecord
		if err := forUpdate(tx).First(&rec, "id = ?", id).Error; err != nil {
			return notFound(err, rule.ErrNotFound)
		}
		r, err := rec.toRule()
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		r.ID = id
		next, err := fromRule(r)
		if err != nil {
			return err
		}
		next.CreatedAt = rec.CreatedAt
		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("save rule %s: %w", id, err)
		}
		r.UpdatedAt = next.UpdatedAt
		out = r
		return nil
	})
	return out, err
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&ruleRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return rule.ErrNotFound
	}
	return nil
}

// RecordExecution applies one run to the rule's counters and statistics.
func (s *Store) RecordExecution(ctx context.Context, id string, x rule.Execution) error {
	_, err := s.UpdateRule(ctx, id, func(r *rule.Rule) error {
		r.Record(x)
		return nil
	})
	return err
}

func (s *Store) ResetExecutionCount(ctx context.Context, id string) error {
	_, err := s.UpdateRule(ctx, id, func(r *rule.Rule) error {
		r.ExecutionCount = 0
		return nil
	})
	return err
}

func toRules(recs []ruleRecord) ([]*rule.Rule, error) {
	out := make([]*rule.Rule, 0, len(recs))
	for i := range recs {
		r, err := recs[i].toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
