// ==================================
// File: internal/vault/vault.go
// ==================================
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

var (
	// ErrInvalidKeyFormat means the supplied key material did not decode to
	// a 64-byte ed25519 secret key in any accepted encoding.
	ErrInvalidKeyFormat = errors.New("invalid key format")
	// ErrNoWallet means no keypair record exists for the user.
	ErrNoWallet = errors.New("no wallet for user")
)

const secretKeySize = 64 // ed25519 seed + public half, solana-go layout

// Argon2id parameters for the master key derivation. Changing these
// invalidates nothing at rest (the derived key depends only on passphrase
// and salt), but keep them in sync with deployment docs.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// Vault stores one custodial keypair per user, AEAD-encrypted at rest.
// The master key is derived once at construction from the operator
// passphrase and held only in memory; losing the passphrase makes all
// custodial funds unrecoverable.
type Vault struct {
	store     storage.Storage
	masterKey []byte
	logger    *zap.Logger
}

// New derives the master key and returns a ready vault. The salt must be a
// stable deployment-scoped value (it is not secret; the passphrase is).
func New(store storage.Storage, passphrase string, salt []byte, logger *zap.Logger) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("empty vault passphrase")
	}
	if len(salt) < 8 {
		return nil, errors.New("vault salt too short")
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)

	return &Vault{
		store:     store,
		masterKey: key,
		logger:    logger.Named("vault"),
	}, nil
}

// Generate creates a fresh keypair for the user, overwriting any existing
// record, and returns the public key.
func (v *Vault) Generate(ctx context.Context, userID string) (string, error) {
	account := solana.NewWallet()
	pub, err := v.storeKeypair(ctx, userID, account.PrivateKey)
	if err != nil {
		return "", err
	}
	v.logger.Info("generated custodial wallet",
		zap.String("user_id", userID),
		zap.String("public_key", pub))
	return pub, nil
}

// Import accepts raw key material as base58, hex, or raw 64 bytes and
// overwrites any existing record for the user. Replacement is destructive:
// there is no soft delete and no way back to the previous key.
func (v *Vault) Import(ctx context.Context, userID string, material string) (string, error) {
	secret, err := DecodeKeyMaterial(material)
	if err != nil {
		return "", err
	}

	pub, err := v.storeKeypair(ctx, userID, solana.PrivateKey(secret))
	if err != nil {
		return "", err
	}
	v.logger.Info("imported custodial wallet",
		zap.String("user_id", userID),
		zap.String("public_key", pub))
	return pub, nil
}

// Sign signs the transaction with the user's custodial key. The decrypted
// secret lives only on this call's stack.
func (v *Vault) Sign(ctx context.Context, userID string, tx *solana.Transaction) error {
	priv, err := v.loadPrivateKey(ctx, userID)
	if err != nil {
		return err
	}
	pub := priv.PublicKey()

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &priv
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// PublicKey returns the user's custodial public key without decrypting
// anything.
func (v *Vault) PublicKey(ctx context.Context, userID string) (solana.PublicKey, error) {
	rec, err := v.store.GetKeypair(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return solana.PublicKey{}, ErrNoWallet
	}
	if err != nil {
		return solana.PublicKey{}, err
	}
	pub, err := solana.PublicKeyFromBase58(rec.PublicKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("corrupt public key record: %w", err)
	}
	return pub, nil
}

// Export returns the user's secret key base58-encoded.
func (v *Vault) Export(ctx context.Context, userID string) (string, error) {
	priv, err := v.loadPrivateKey(ctx, userID)
	if err != nil {
		return "", err
	}
	return base58.Encode(priv), nil
}

func (v *Vault) storeKeypair(ctx context.Context, userID string, priv solana.PrivateKey) (string, error) {
	encrypted, nonce, err := v.seal(priv)
	if err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}

	pub := priv.PublicKey().String()
	rec := &models.KeypairRecord{
		UserID:          userID,
		PublicKey:       pub,
		EncryptedSecret: encrypted,
		Nonce:           nonce,
	}
	if err := v.store.SaveKeypair(ctx, rec); err != nil {
		return "", fmt.Errorf("save keypair: %w", err)
	}
	return pub, nil
}

func (v *Vault) loadPrivateKey(ctx context.Context, userID string) (solana.PrivateKey, error) {
	rec, err := v.store.GetKeypair(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoWallet
	}
	if err != nil {
		return nil, err
	}

	secret, err := v.open(rec.EncryptedSecret, rec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return solana.PrivateKey(secret), nil
}

func (v *Vault) seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (v *Vault) open(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// DecodeKeyMaterial decodes secret-key material in any accepted encoding:
// 128-char hex, base58, or raw 64 bytes passed through as a string. The
// decoded form must be exactly 64 bytes. Textual encodings are tried
// before the raw interpretation so a hex/base58 string of the wrong key
// size is rejected rather than mistaken for raw bytes.
func DecodeKeyMaterial(material string) ([]byte, error) {
	if len(material) == secretKeySize*2 {
		if decoded, err := hex.DecodeString(material); err == nil {
			return decoded, nil
		}
	}

	if decoded, err := base58.Decode(material); err == nil {
		if len(decoded) == secretKeySize {
			return decoded, nil
		}
		if len(material) != secretKeySize {
			return nil, fmt.Errorf("%w: base58 decoded to %d bytes, expected %d",
				ErrInvalidKeyFormat, len(decoded), secretKeySize)
		}
	}

	if len(material) == secretKeySize {
		return []byte(material), nil
	}

	return nil, fmt.Errorf("%w: not hex, base58, or raw bytes", ErrInvalidKeyFormat)
}
