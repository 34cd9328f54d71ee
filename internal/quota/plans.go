// Package quota maps owner roles to typed plan capabilities and enforces
// sending limits before jobs are created.
package quota

import (
	"fmt"
	"sort"

	"github.com/foxzi/mailsage/internal/config"
)

// Unlimited disables a numeric limit
const Unlimited = -1

// Permission is one action a plan may allow
type Permission string

const (
	PermReadTemplates   Permission = "read_templates"
	PermWriteTemplates  Permission = "write_templates"
	PermDeleteTemplates Permission = "delete_templates"
	PermSendEmails      Permission = "send_emails"
	PermManageAPIKeys   Permission = "manage_api_keys"
	PermViewAnalytics   Permission = "view_analytics"
	PermExportData      Permission = "export_data"
	PermManageWebhooks  Permission = "manage_webhooks"
	PermAccessAdmin     Permission = "access_admin"
	PermManageUsers     Permission = "manage_users"
)

var allPermissions = []Permission{
	PermReadTemplates, PermWriteTemplates, PermDeleteTemplates, PermSendEmails, PermManageAPIKeys,
	PermViewAnalytics, PermExportData, PermManageWebhooks, PermAccessAdmin, PermManageUsers,
}

// Roles
const (
	RoleFree       = "free"
	RolePro        = "pro"
	RoleEnterprise = "enterprise"
	RoleAdmin      = "admin"
)

// Capabilities is the permission set and resource limits of one plan
type Capabilities struct {
	Permissions      map[Permission]bool
	DailyEmails      int
	MonthlyEmails    int
	MaxRecipients    int
	Templates        int
	APIKeys          int
	WebhookEndpoints int
	TemplateSize     int // bytes
}

// Can reports whether the plan grants p
func (c Capabilities) Can(p Permission) bool {
	return c.Permissions[p]
}

// Within reports whether used+n stays inside limit
func Within(limit, used, n int) bool {
	return limit == Unlimited || used+n <= limit
}

func permissions(ps ...Permission) map[Permission]bool {
	set := make(map[Permission]bool, len(ps))
	for _, p := range ps {
		set[p] = true
	}
	return set
}

func defaultPlans() map[string]Capabilities {
	enterprise := permissions(allPermissions...)
	delete(enterprise, PermAccessAdmin)

	return map[string]Capabilities{
		RoleFree: {
			Permissions:      permissions(PermReadTemplates, PermWriteTemplates, PermSendEmails, PermManageAPIKeys),
			DailyEmails:      100,
			MonthlyEmails:    2000,
			MaxRecipients:    100,
			Templates:        5,
			APIKeys:          2,
			WebhookEndpoints: 1,
			TemplateSize:     50_000,
		},
		RolePro: {
			Permissions: permissions(PermReadTemplates, PermWriteTemplates, PermDeleteTemplates, PermSendEmails,
				PermManageAPIKeys, PermViewAnalytics, PermExportData, PermManageWebhooks),
			DailyEmails:      1000,
			MonthlyEmails:    20000,
			MaxRecipients:    1000,
			Templates:        50,
			APIKeys:          5,
			WebhookEndpoints: 5,
			TemplateSize:     500_000,
		},
		RoleEnterprise: {
			Permissions:      enterprise,
			DailyEmails:      Unlimited,
			MonthlyEmails:    Unlimited,
			MaxRecipients:    10000,
			Templates:        Unlimited,
			APIKeys:          Unlimited,
			WebhookEndpoints: Unlimited,
			TemplateSize:     5_000_000,
		},
		RoleAdmin: {
			Permissions:      permissions(allPermissions...),
			DailyEmails:      Unlimited,
			MonthlyEmails:    Unlimited,
			MaxRecipients:    Unlimited,
			Templates:        Unlimited,
			APIKeys:          Unlimited,
			WebhookEndpoints: Unlimited,
			TemplateSize:     Unlimited,
		},
	}
}

// Plans is the validated role table
type Plans struct {
	byRole map[string]Capabilities
}

// NewPlans builds the role table from the built-in plans and the configured
// overrides, rejecting unknown roles and invalid limits.
func NewPlans(cfg config.QuotaConfig) (*Plans, error) {
	plans := defaultPlans()

	for role, o := range cfg.Plans {
		c, ok := plans[role]
		if !ok {
			return nil, fmt.Errorf("quota: unknown role %q", role)
		}
		if o.DailyEmails != nil {
			c.DailyEmails = *o.DailyEmails
		}
		if o.MaxRecipients != nil {
			c.MaxRecipients = *o.MaxRecipients
		}
		if o.WebhookEndpoints != nil {
			c.WebhookEndpoints = *o.WebhookEndpoints
		}
		plans[role] = c
	}

	p := &Plans{byRole: plans}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every limit is non-negative or Unlimited
func (p *Plans) Validate() error {
	for _, role := range p.Roles() {
		c := p.byRole[role]
		for name, v := range map[string]int{
			"daily_emails":      c.DailyEmails,
			"monthly_emails":    c.MonthlyEmails,
			"max_recipients":    c.MaxRecipients,
			"templates":         c.Templates,
			"api_keys":          c.APIKeys,
			"webhook_endpoints": c.WebhookEndpoints,
			"template_size":     c.TemplateSize,
		} {
			if v < Unlimited {
				return fmt.Errorf("quota: %s.%s = %d is invalid", role, name, v)
			}
		}
	}
	return nil
}

// For returns the capabilities of role. Unknown or empty roles get the free plan.
func (p *Plans) For(role string) Capabilities {
	if c, ok := p.byRole[role]; ok {
		return c
	}
	return p.byRole[RoleFree]
}

// Roles returns the known roles in sorted order
func (p *Plans) Roles() []string {
	roles := make([]string, 0, len(p.byRole))
	for r := range p.byRole {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
