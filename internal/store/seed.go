package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

// SeedResult counts what ApplySeed changed.
type SeedResult struct {
	Created int
	Updated int
}

// ApplySeed upserts declarative rules, webhooks and providers by name.
// Existing rows keep their id, statistics and counters; only the declared
// definition is replaced.
func (s *Store) ApplySeed(ctx context.Context, rules []rule.Rule, hooks []webhook.Subscription, providers []provider.Provider) (SeedResult, error) {
	var res SeedResult
	for i := range rules {
		created, err := s.seedRule(ctx, &rules[i])
		if err != nil {
			return res, err
		}
		res.count(created)
	}
	for i := range hooks {
		created, err := s.seedWebhook(ctx, &hooks[i])
		if err != nil {
			return res, err
		}
		res.count(created)
	}
	for i := range providers {
		created, err := s.seedProvider(ctx, &providers[i])
		if err != nil {
			return res, err
		}
		res.count(created)
	}
	s.logger.Info("seed applied", "created", res.Created, "updated", res.Updated)
	return res, nil
}

func (r *SeedResult) count(created bool) {
	if created {
		r.Created++
	} else {
		r.Updated++
	}
}

func (s *Store) seedRule(ctx context.Context, want *rule.Rule) (bool, error) {
	cur, err := s.findRuleByName(ctx, want.Name)
	if errors.Is(err, rule.ErrNotFound) {
		r := *want
		if err := s.CreateRule(ctx, &r); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed rule %s: %w", want.Name, err)
	}
	_, err = s.UpdateRule(ctx, cur.ID, func(r *rule.Rule) error {
		r.Description = want.Description
		r.Active = want.Active
		r.Priority = want.Priority
		r.EventType = want.EventType
		r.Conditions = want.Conditions
		r.ConditionGroups = want.ConditionGroups
		r.Actions = want.Actions
		r.Throttle = want.Throttle
		return nil
	})
	return false, err
}

func (s *Store) seedWebhook(ctx context.Context, want *webhook.Subscription) (bool, error) {
	cur, err := s.findWebhookByName(ctx, want.Name)
	if errors.Is(err, webhook.ErrNotFound) {
		sub := *want
		if err := s.CreateWebhook(ctx, &sub); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed webhook %s: %w", want.Name, err)
	}
	_, err = s.UpdateWebhook(ctx, cur.ID, func(sub *webhook.Subscription) error {
		sub.URL = want.URL
		sub.Method = want.Method
		sub.Events = want.Events
		sub.Secret = want.Secret
		sub.Headers = want.Headers
		sub.Active = want.Active
		return nil
	})
	return false, err
}

func (s *Store) seedProvider(ctx context.Context, want *provider.Provider) (bool, error) {
	cur, err := s.findProviderByName(ctx, want.Name)
	if errors.Is(err, provider.ErrNotFound) {
		p := *want
		if err := s.CreateProvider(ctx, &p); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed provider %s: %w", want.Name, err)
	}
	_, err = s.UpdateProvider(ctx, cur.ID, func(p *provider.Provider) error {
		p.Type = want.Type
		p.Priority = want.Priority
		p.Active = want.Active
		p.IsDefault = want.IsDefault
		p.FromEmail = want.FromEmail
		p.FromName = want.FromName
		p.Config = want.Config
		p.Rules = want.Rules
		p.Failover = want.Failover
		p.RateLimit.Enabled = want.RateLimit.Enabled
		p.RateLimit.MaxPerHour = want.RateLimit.MaxPerHour
		p.RateLimit.MaxPerDay = want.RateLimit.MaxPerDay
		p.Health.MaxConsecutiveFailures = want.Health.MaxConsecutiveFailures
		return nil
	})
	return false, err
}
