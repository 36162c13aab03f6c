package core

import "time"

// CodeArchive is a packaged source tree stored under "tar:{job_id}".
type CodeArchive struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Data      []byte    `gorm:"type:bytes;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// HostLock is a lease on a host-scoped mutex. Expired rows may be taken over.
type HostLock struct {
	Scope     string    `gorm:"primaryKey;size:255"`
	Owner     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}
