// Package catalog is the durable source of truth for users, access keys and
// bucket ownership, with an in-memory cache layer sized for the request hot
// path.
package catalog

import (
	"time"
)

// User is an account in the catalog. The request pipeline only ever reads
// the ID; provisioning happens elsewhere.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	IsAdmin      bool      `json:"isAdmin,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AccessKey is a SigV4 credential pair owned by a user.
type AccessKey struct {
	ID              string     `json:"id"`
	OwnerUserID     string     `json:"ownerUserId"`
	AccessKeyID     string     `json:"accessKeyId"`
	SecretAccessKey string     `json:"secretAccessKey"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the key must no longer authenticate.
func (k *AccessKey) Expired(at time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(at)
}

// Bucket is one bucket row. The name is globally unique.
type Bucket struct {
	Name        string    `json:"name"`
	OwnerUserID string    `json:"ownerUserId"`
	CreatedAt   time.Time `json:"createdAt"`
}
