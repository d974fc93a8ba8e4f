package provider

import (
	"github.com/gyaneshwarpardhi/ticketflow/internal/validate"
)

// Validate checks a provider before it is saved.
func Validate(p *Provider) validate.Errors {
	var errs validate.Errors
	errs.Struct(p)

	c := p.Config
	switch p.Type {
	case TypeSMTP:
		if c.Host == "" {
			errs.Add("config.host", "is required for smtp providers")
		}
	case TypeSendGrid, TypeSparkPost:
		if c.APIKey == "" {
			errs.Add("config.apiKey", "is required for %s providers", p.Type)
		}
	case TypeMailgun:
		if c.APIKey == "" {
			errs.Add("config.apiKey", "is required for mailgun providers")
		}
		if c.Domain == "" {
			errs.Add("config.domain", "is required for mailgun providers")
		}
	case TypeSES:
		if c.AccessKeyID == "" || c.SecretAccessKey == "" {
			errs.Add("config.accessKeyId", "accessKeyId and secretAccessKey are required for ses providers")
		}
	case TypePostmark:
		if c.ServerToken == "" {
			errs.Add("config.serverToken", "is required for postmark providers")
		}
	}

	if p.RateLimit.Enabled && p.RateLimit.MaxPerHour <= 0 && p.RateLimit.MaxPerDay <= 0 {
		errs.Add("rateLimit", "maxPerHour or maxPerDay is required when rate limiting is enabled")
	}
	if p.ID != "" && p.Failover.FallbackProviderID == p.ID {
		errs.Add("failover.fallbackProvider", "must not reference the provider itself")
	}
	return errs
}
