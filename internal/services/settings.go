package services

import (
	"context"
	"errors"
	"strconv"

	"github.com/diewo77/go-jobshop/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settings exposes the installation-wide switches read by the core.
type Settings interface {
	RequireApprovalBeforeConversion(ctx context.Context) (bool, error)
}

// SettingsStore reads settings from the settings table.
type SettingsStore struct{ DB *gorm.DB }

func NewSettingsStore(db *gorm.DB) *SettingsStore { return &SettingsStore{DB: db} }

// RequireApprovalBeforeConversion defaults to false when the key is unset.
func (s *SettingsStore) RequireApprovalBeforeConversion(ctx context.Context) (bool, error) {
	v, err := s.Get(ctx, models.SettingRequireApproval)
	if err != nil || v == "" {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid("setting %s has non-boolean value %q", models.SettingRequireApproval, v)
	}
	return b, nil
}

// Get returns the raw value, or "" when absent.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var st models.Setting
	err := s.DB.WithContext(ctx).First(&st, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return st.Value, nil
}

// Set upserts a value.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.Setting{Key: key, Value: value}).Error
}
