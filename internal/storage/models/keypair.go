// internal/storage/models/keypair.go
package models

// KeypairRecord holds one custodial keypair per user. The secret exists at
// rest only in AEAD-encrypted form; Nonce is the per-record GCM nonce.
// Re-import overwrites the row in place. Rows are never deleted while a
// position still references the user.
type KeypairRecord struct {
	BaseModel
	UserID          string `gorm:"uniqueIndex;not null;type:varchar(64)"`
	PublicKey       string `gorm:"not null;type:varchar(44)"`
	EncryptedSecret []byte `gorm:"not null"`
	Nonce           []byte `gorm:"not null"`
}
