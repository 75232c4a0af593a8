package config

import (
	"fmt"
	"os"
	"regexp"

	"entitlement-api/internal/models"

	"gopkg.in/yaml.v3"
)

// productIDPattern matches the identifiers the provider accepts.
var productIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._]{0,99}$`)

// ValidProductID reports whether id is a well-formed product identifier.
func ValidProductID(id string) bool {
	return productIDPattern.MatchString(id)
}

// CatalogEntry describes one configured product.
type CatalogEntry struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Plan   string `yaml:"plan"`
	Legacy bool   `yaml:"legacy"`
}

// Catalog is the set of products the service sells or recognizes.
type Catalog struct {
	Products []CatalogEntry `yaml:"products"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{Products: []CatalogEntry{
		{ID: "premium_monthly", Type: string(models.ProductTypeSubscription), Plan: string(models.PlanMonthly)},
		{ID: "premium_annual", Type: string(models.ProductTypeSubscription), Plan: string(models.PlanAnnual)},
		{ID: "premium_lifetime", Type: string(models.ProductTypeOneTime), Plan: string(models.PlanLifetime)},
		{ID: "lifetime_unlock", Type: string(models.ProductTypeOneTime), Plan: string(models.PlanLifetime), Legacy: true},
		{ID: "pro_upgrade", Type: string(models.ProductTypeOneTime), Plan: string(models.PlanLifetime), Legacy: true},
	}}
}

// LoadCatalog reads a YAML catalog file. An empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Products) == 0 {
		return nil, fmt.Errorf("parse catalog: no products defined")
	}
	return &c, nil
}

// SubscriptionIDs returns the non-legacy subscription identifiers in file order.
func (c *Catalog) SubscriptionIDs() []string {
	return c.idsOfType(models.ProductTypeSubscription)
}

// OneTimeIDs returns the non-legacy one-time identifiers in file order.
func (c *Catalog) OneTimeIDs() []string {
	return c.idsOfType(models.ProductTypeOneTime)
}

func (c *Catalog) idsOfType(t models.ProductType) []string {
	var ids []string
	for _, p := range c.Products {
		if p.Legacy || models.ProductType(p.Type) != t {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids
}

// PlanTable builds the product -> plan mapping, legacy aliases included.
func (c *Catalog) PlanTable() *models.PlanTable {
	entries := make(map[string]models.PlanType, len(c.Products))
	for _, p := range c.Products {
		plan := models.ParsePlanType(p.Plan)
		if plan == "" {
			plan = models.PlanUnknown
		}
		entries[p.ID] = plan
	}
	return models.NewPlanTable(entries)
}
