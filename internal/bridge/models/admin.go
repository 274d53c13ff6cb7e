package models

import "time"

// Admin 管理员（Delta Chat 联系人 ID）
type Admin struct {
	ContactID int64     `bson:"contact_id" db:"contact_id"`
	CreatedAt time.Time `bson:"created_at" db:"created_at"`
}
