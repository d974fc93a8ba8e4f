package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/ticket"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

type ruleRecord struct {
	ID                  string `gorm:"primaryKey;size:36"`
	Name                string `gorm:"size:255;not null;index"`
	Description         string `gorm:"type:text"`
	Active              bool   `gorm:"index"`
	Priority            int
	EventType           string `gorm:"size:64;not null;index"`
	Conditions          datatypes.JSON
	ConditionGroups     datatypes.JSON
	Actions             datatypes.JSON
	Throttle            datatypes.JSON
	Stats               datatypes.JSON
	ExecutionCount      int
	LastExecutedAt      *time.Time
	LastExecutionStatus string `gorm:"size:16"`
	LastExecutionError  string `gorm:"type:text"`
	CreatedBy           string `gorm:"size:64"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (ruleRecord) TableName() string { return "rules" }

type webhookRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:255;not null;index"`
	URL       string `gorm:"type:text;not null"`
	Method    string `gorm:"size:8"`
	Events    datatypes.JSON
	Secret    string `gorm:"size:255"`
	Headers   datatypes.JSON
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (webhookRecord) TableName() string { return "webhooks" }

// providerRecord keeps the selection columns flat and the rest as JSON.
type providerRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:255;not null;index"`
	Type      string `gorm:"size:16;not null"`
	Priority  int    `gorm:"index"`
	Active    bool
	IsDefault bool
	FromEmail string `gorm:"size:255"`
	FromName  string `gorm:"size:255"`
	Config    datatypes.JSON
	RateLimit datatypes.JSON
	Rules     datatypes.JSON
	Health    datatypes.JSON
	Stats     datatypes.JSON
	Failover  datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (providerRecord) TableName() string { return "email_providers" }

type ticketRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	UID        int    `gorm:"index"`
	Subject    string `gorm:"type:text"`
	Status     string `gorm:"size:64"`
	Priority   string `gorm:"size:64"`
	AssigneeID string `gorm:"size:64"`
	Tags       datatypes.JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ticketRecord) TableName() string { return "tickets" }

type commentRecord struct {
	ID        uint   `gorm:"primaryKey"`
	TicketID  string `gorm:"size:64;not null;index"`
	OwnerID   string `gorm:"size:64"`
	Body      string `gorm:"type:text"`
	Internal  bool
	CreatedAt time.Time
}

func (commentRecord) TableName() string { return "ticket_comments" }

func models() []interface{} {
	return []interface{}{&ruleRecord{}, &webhookRecord{}, &providerRecord{}, &ticketRecord{}, &commentRecord{}}
}

// encoder marshals several JSON columns, keeping the first error.
type encoder struct{ err error }

func (e *encoder) json(v interface{}) datatypes.JSON {
	if e.err != nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		e.err = err
		return nil
	}
	return datatypes.JSON(b)
}

type decoder struct{ err error }

func (d *decoder) json(col datatypes.JSON, v interface{}) {
	if d.err != nil || len(col) == 0 {
		return
	}
	if err := json.Unmarshal(col, v); err != nil {
		d.err = err
	}
}

func fromRule(r *rule.Rule) (*ruleRecord, error) {
	var enc encoder
	rec := &ruleRecord{
		ID:                  r.ID,
		Name:                r.Name,
		Description:         r.Description,
		Active:              r.Active,
		Priority:            r.Priority,
		EventType:           string(r.EventType),
		Conditions:          enc.json(r.Conditions),
		ConditionGroups:     enc.json(r.ConditionGroups),
		Actions:             enc.json(r.Actions),
		Throttle:            enc.json(r.Throttle),
		Stats:               enc.json(r.Stats),
		ExecutionCount:      r.ExecutionCount,
		LastExecutedAt:      r.LastExecutedAt,
		LastExecutionStatus: string(r.LastExecutionStatus),
		LastExecutionError:  r.LastExecutionError,
		CreatedBy:           r.CreatedBy,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if enc.err != nil {
		return nil, fmt.Errorf("encode rule %s: %w", r.Name, enc.err)
	}
	return rec, nil
}

func (rec *ruleRecord) toRule() (*rule.Rule, error) {
	r := &rule.Rule{
		ID:                  rec.ID,
		Name:                rec.Name,
		Description:         rec.Description,
		Active:              rec.Active,
		Priority:            rec.Priority,
		EventType:           rule.EventType(rec.EventType),
		ExecutionCount:      rec.ExecutionCount,
		LastExecutedAt:      rec.LastExecutedAt,
		LastExecutionStatus: rule.Status(rec.LastExecutionStatus),
		LastExecutionError:  rec.LastExecutionError,
		CreatedBy:           rec.CreatedBy,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
	var dec decoder
	dec.json(rec.Conditions, &r.Conditions)
	dec.json(rec.ConditionGroups, &r.ConditionGroups)
	dec.json(rec.Actions, &r.Actions)
	dec.json(rec.Throttle, &r.Throttle)
	dec.json(rec.Stats, &r.Stats)
	if dec.err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", rec.ID, dec.err)
	}
	return r, nil
}

func fromWebhook(s *webhook.Subscription) (*webhookRecord, error) {
	var enc encoder
	rec := &webhookRecord{
		ID:        s.ID,
		Name:      s.Name,
		URL:       s.URL,
		Method:    s.Method,
		Events:    enc.json(s.Events),
		Secret:    s.Secret,
		Headers:   enc.json(s.Headers),
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if enc.err != nil {
		return nil, fmt.Errorf("encode webhook %s: %w", s.Name, enc.err)
	}
	return rec, nil
}

func (rec *webhookRecord) toWebhook() (*webhook.Subscription, error) {
	s := &webhook.Subscription{
		ID:        rec.ID,
		Name:      rec.Name,
		URL:       rec.URL,
		Method:    rec.Method,
		Secret:    rec.Secret,
		Active:    rec.Active,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	var dec decoder
	dec.json(rec.Events, &s.Events)
	dec.json(rec.Headers, &s.Headers)
	if dec.err != nil {
		return nil, fmt.Errorf("decode webhook %s: %w", rec.ID, dec.err)
	}
	return s, nil
}

func fromProvider(p *provider.Provider) (*providerRecord, error) {
	var enc encoder
	rec := &providerRecord{
		ID:        p.ID,
		Name:      p.Name,
		Type:      string(p.Type),
		Priority:  p.Priority,
		Active:    p.Active,
		IsDefault: p.IsDefault,
		FromEmail: p.FromEmail,
		FromName:  p.FromName,
		Config:    enc.json(p.Config),
		RateLimit: enc.json(p.RateLimit),
		Rules:     enc.json(p.Rules),
		Health:    enc.json(p.Health),
		Stats:     enc.json(p.Stats),
		Failover:  enc.json(p.Failover),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if enc.err != nil {
		return nil, fmt.Errorf("encode provider %s: %w", p.Name, enc.err)
	}
	return rec, nil
}

func (rec *providerRecord) toProvider() (*provider.Provider, error) {
	p := &provider.Provider{
		ID:        rec.ID,
		Name:      rec.Name,
		Type:      provider.Type(rec.Type),
		Priority:  rec.Priority,
		Active:    rec.Active,
		IsDefault: rec.IsDefault,
		FromEmail: rec.FromEmail,
		FromName:  rec.FromName,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	var dec decoder
	dec.json(rec.Config, &p.Config)
	dec.json(rec.RateLimit, &p.RateLimit)
	dec.json(rec.Rules, &p.Rules)
	dec.json(rec.Health, &p.Health)
	dec.json(rec.Stats, &p.Stats)
	dec.json(rec.Failover, &p.Failover)
	if dec.err != nil {
		return nil, fmt.Errorf("decode provider %s: %w", rec.ID, dec.err)
	}
	return p, nil
}

func fromTicket(t *ticket.Ticket) (*ticketRecord, error) {
	var enc encoder
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	rec := &ticketRecord{
		ID:         t.ID,
		UID:        t.UID,
		Subject:    t.Subject,
		Status:     t.Status,
		Priority:   t.Priority,
		AssigneeID: t.AssigneeID,
		Tags:       enc.json(tags),
		UpdatedAt:  t.UpdatedAt,
	}
	if enc.err != nil {
		return nil, fmt.Errorf("encode ticket %s: %w", t.ID, enc.err)
	}
	return rec, nil
}

func (rec *ticketRecord) toTicket() (*ticket.Ticket, error) {
	t := &ticket.Ticket{
		ID:         rec.ID,
		UID:        rec.UID,
		Subject:    rec.Subject,
		Status:     rec.Status,
		Priority:   rec.Priority,
		AssigneeID: rec.AssigneeID,
		UpdatedAt:  rec.UpdatedAt,
	}
	var dec decoder
	dec.json(rec.Tags, &t.Tags)
	if dec.err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", rec.ID, dec.err)
	}
	return t, nil
}
