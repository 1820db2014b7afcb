package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MerchantStatus represents the onboarding status of a merchant.
type MerchantStatus string

const (
	MerchantStatusPending MerchantStatus = "pending"
	MerchantStatusActive  MerchantStatus = "active"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Merchant is a business that accepts vouchers for redemption.
type Merchant struct {
	ID            string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name          string         `gorm:"type:varchar(255);not null" json:"name"`
	WalletAddress string         `gorm:"type:varchar(128);uniqueIndex:idx_merchants_wallet" json:"wallet_address"`
	Email         string         `gorm:"type:varchar(255)" json:"email,omitempty"`
	Categories    StringArray    `gorm:"type:text" json:"categories"`
	Status        MerchantStatus `gorm:"type:varchar(16);default:pending" json:"status"`
	RegisteredBy  string         `gorm:"type:varchar(36);index" json:"registered_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Merchant.
func (Merchant) TableName() string {
	return "merchants"
}
