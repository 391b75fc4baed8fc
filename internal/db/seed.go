package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Catalog is the department sequence and addon list of a shop.
type Catalog struct {
	Departments []CatalogDepartment `yaml:"departments"`
	Addons      []CatalogAddon      `yaml:"addons"`
}

type CatalogDepartment struct {
	Name      string `yaml:"name"`
	SortOrder int    `yaml:"sort_order"`
	Inactive  bool   `yaml:"inactive"`
}

// CatalogAddon names its department rather than referencing an id.
type CatalogAddon struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Department   string `yaml:"department"`
	AffectsPrice bool   `yaml:"affects_price"`
	Checklist    bool   `yaml:"checklist"`
	DefaultRate  string `yaml:"default_rate"`
}

// ParseCatalog decodes and checks a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	depts := map[string]bool{}
	for _, d := range c.Departments {
		if strings.TrimSpace(d.Name) == "" {
			return nil, errors.New("catalog: department without a name")
		}
		depts[d.Name] = true
	}
	for _, a := range c.Addons {
		if strings.TrimSpace(a.Name) == "" {
			return nil, errors.New("catalog: addon without a name")
		}
		if a.Department != "" && !depts[a.Department] {
			return nil, fmt.Errorf("catalog: addon %q references unknown department %q", a.Name, a.Department)
		}
		if a.DefaultRate != "" {
			if _, err := decimal.NewFromString(a.DefaultRate); err != nil {
				return nil, fmt.Errorf("catalog: addon %q default_rate: %w", a.Name, err)
			}
		}
	}
	return &c, nil
}

// LoadCatalogFile reads a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := ParseCatalog(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// SeedResult counts rows inserted by Seed.
type SeedResult struct {
	Departments int
	Addons      int
}

// Seed inserts catalog entries missing by name. Existing rows are left as
// they are, so running it twice changes nothing.
func Seed(ctx context.Context, db *gorm.DB, c *Catalog, log *slog.Logger) (SeedResult, error) {
	if log == nil {
		log = slog.Default()
	}
	var res SeedResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deptIDs := map[string]string{}
		for _, d := range c.Departments {
			var existing models.Department
			err := tx.Where("name = ?", d.Name).First(&existing).Error
			switch {
			case err == nil:
			case errors.Is(err, gorm.ErrRecordNotFound):
				existing = models.Department{Name: d.Name, SortOrder: d.SortOrder, IsActive: !d.Inactive}
				if err := tx.Create(&existing).Error; err != nil {
					return err
				}
				res.Departments++
			default:
				return err
			}
			deptIDs[d.Name] = existing.ID
		}
		for _, a := range c.Addons {
			var n int64
			if err := tx.Model(&models.Addon{}).Where("name = ?", a.Name).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			rate := decimal.Zero
			if a.DefaultRate != "" {
				rate = decimal.RequireFromString(a.DefaultRate)
			}
			addon := models.Addon{
				Name:            a.Name,
				Description:     a.Description,
				AffectsPrice:    a.AffectsPrice,
				IsChecklistItem: a.Checklist,
				DefaultRate:     rate,
				IsActive:        true,
			}
			if a.Department != "" {
				id, ok := deptIDs[a.Department]
				if !ok {
					return fmt.Errorf("addon %q: unknown department %q", a.Name, a.Department)
				}
				addon.DepartmentID = &id
			}
			if err := tx.Create(&addon).Error; err != nil {
				return err
			}
			res.Addons++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed catalog: %w", err)
	}
	log.Info("catalog seeded", "departments", res.Departments, "addons", res.Addons)
	return res, nil
}
