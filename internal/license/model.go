package license

import "time"

const DefaultMaxDevices = 1

type Subscription struct {
	ID                  string     `json:"id"`
	Key                 string     `json:"key"`
	SellerID            string     `json:"seller_id"`
	MaxDevices          int        `json:"max_devices"`
	BoundDevices        DeviceSet  `json:"bound_devices"`
	ExpiresAt           time.Time  `json:"expires_at"`
	MaintenancePausedAt *time.Time `json:"maintenance_paused_at,omitempty"`
	Note                string     `json:"note,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Seller struct {
	ID              string    `json:"id"`
	Slug            string    `json:"slug"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"password_hash"`
	Suspended       bool      `json:"suspended"`
	MaintenanceMode bool      `json:"maintenance_mode"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
