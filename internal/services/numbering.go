package services

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/diewo77/go-jobshop/internal/models"
	"gorm.io/gorm"
)

// orderNumberScan bounds how many recent numbers are inspected per allocation.
const orderNumberScan = 200

// NextOrderNumber allocates the next order number for a business unit. It
// scans the most recent numbers of that business, takes the highest trailing
// numeric suffix and adds one. Gaps are tolerated.
func NextOrderNumber(tx *gorm.DB, business string) (string, error) {
	business = strings.ToUpper(strings.TrimSpace(business))
	if business == "" {
		return "", invalid("business unit is required")
	}
	var numbers []string
	err := tx.Model(&models.Order{}).
		Where("business = ?", business).
		Order("created_at DESC").
		Limit(orderNumberScan).
		Pluck("order_number", &numbers).Error
	if err != nil {
		return "", err
	}
	next := 1
	for _, n := range numbers {
		if v, ok := trailingNumber(n); ok && v >= next {
			next = v + 1
		}
	}
	return FormatOrderNumber(business, next), nil
}

// FormatOrderNumber renders BUSINESS-00042.
func FormatOrderNumber(business string, n int) string {
	return fmt.Sprintf("%s-%05d", business, n)
}

func trailingNumber(s string) (int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return 0, false
	}
	v, err := strconv.Atoi(s[i:])
	if err != nil {
		return 0, false
	}
	return v, true
}
