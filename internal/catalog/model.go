package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Business is a food stall or restaurant owned by an admin account.
type Business struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OwnerID      uint      `gorm:"column:owner_id;not null;index" json:"owner_id"`
	Name         string    `gorm:"column:name;size:255;not null" json:"name"`
	Phone        string    `gorm:"column:phone;size:64" json:"phone"`
	Address      string    `gorm:"column:address;size:512;not null" json:"address"`
	Description  string    `gorm:"column:description;type:text" json:"description"`
	Location     string    `gorm:"column:location;size:128;not null;index" json:"location"`
	OpeningHours string    `gorm:"column:opening_hours;size:255" json:"opening_hours"`
	Category     string    `gorm:"column:category;size:64;not null;index" json:"category"`
	PriceRange   string    `gorm:"column:price_range;size:32;not null" json:"price_range"`
	ImageURL     string    `gorm:"column:image_url;size:512" json:"image_url"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Business) TableName() string {
	return "businesses"
}

// Product is a menu item sold by a business.
type Product struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	BusinessID  uint      `gorm:"column:business_id;not null;index" json:"business_id"`
	Name        string    `gorm:"column:name;size:255;not null" json:"name"`
	Price       float64   `gorm:"column:price;not null" json:"price"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	Category    string    `gorm:"column:category;size:64;not null;index" json:"category"`
	Taste       Tastes    `gorm:"column:taste;type:text" json:"taste"`
	ImageURL    string    `gorm:"column:image_url;size:512" json:"image_url"`
	IsAvailable bool      `gorm:"column:is_available;not null;default:true" json:"is_available"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// Review is a rating left by an account on a business.
type Review struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	BusinessID uint      `gorm:"column:business_id;not null;index" json:"business_id"`
	AccountID  uint      `gorm:"column:account_id;not null;index" json:"account_id"`
	Rating     int       `gorm:"column:rating;not null" json:"rating"`
	Comment    string    `gorm:"column:comment;type:text" json:"comment"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Review) TableName() string {
	return "reviews"
}

// BusinessListing is a business together with its aggregates.
type BusinessListing struct {
	Business
	ProductCount int64    `gorm:"column:product_count" json:"product_count"`
	Rating       *float64 `gorm:"column:rating" json:"rating"`
	ReviewCount  int64    `gorm:"column:review_count" json:"review_count"`
}

// ProductListing is a product with the business it belongs to.
type ProductListing struct {
	Product
	BusinessName     string   `gorm:"column:business_name" json:"business_name"`
	BusinessLocation string   `gorm:"column:business_location" json:"business_location"`
	BusinessRating   *float64 `gorm:"column:business_rating" json:"business_rating"`
}

// Tastes is the list of taste tags of a product, stored as a JSON array.
type Tastes []string

func (t Tastes) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (t *Tastes) Scan(value interface{}) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*t = Tastes{}
		return nil
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("catalog: unsupported taste column type %T", value)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		*t = Tastes{}
		return nil
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("catalog: decode taste: %w", err)
	}
	*t = decoded
	return nil
}

// Contains reports whether taste is one of the tags.
func (t Tastes) Contains(taste string) bool {
	for _, candidate := range t {
		if candidate == taste {
			return true
		}
	}
	return false
}

// ParseTastes accepts either a single JSON array string or a list of plain values.
func ParseTastes(values []string) (Tastes, error) {
	if len(values) == 1 && strings.HasPrefix(strings.TrimSpace(values[0]), "[") {
		var decoded []string
		if err := json.Unmarshal([]byte(values[0]), &decoded); err != nil {
			return nil, err
		}
		return normalizeTastes(decoded), nil
	}
	return normalizeTastes(values), nil
}

func normalizeTastes(values []string) Tastes {
	tastes := make(Tastes, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" || tastes.Contains(trimmed) {
			continue
		}
		tastes = append(tastes, trimmed)
	}
	return tastes
}
