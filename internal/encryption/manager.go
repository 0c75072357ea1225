package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"mailer-service/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoMasterKey      = errors.New("LOCAL_MASTER_KEY is required when KMS is disabled")
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"
)

// EncryptedData is the stored envelope. EncryptedDEK is the data key wrapped by
// KMS, or by the local master key when KMS is disabled.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// KMSAPI is the subset of the KMS client used for envelope keys.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	masterKey []byte
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
	logger    *zap.Logger
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// NewEncryptionManager uses KMS when cfg.KMS.Enabled, otherwise a master key
// derived from LOCAL_MASTER_KEY.
func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI, logger *zap.Logger) (*EncryptionManager, error) {
	em := &EncryptionManager{logger: logger}
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, errors.New("kms client is required when KMS is enabled")
		}
		em.kmsClient = kmsClient
		em.kmsKeyID = cfg.KMS.KeyID
		return em, nil
	}

	if cfg.KMS.LocalMasterKey == "" {
		if cfg.IsProduction() {
			return nil, ErrNoMasterKey
		}
		logger.Warn("LOCAL_MASTER_KEY not set, using an ephemeral key; stored tokens will not survive a restart")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral master key: %w", err)
		}
		em.masterKey = key
		return em, nil
	}

	sum := sha256.Sum256([]byte(cfg.KMS.LocalMasterKey))
	em.masterKey = sum[:]
	return em, nil
}

// GenerateDataKey generates a new data encryption key.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient == nil {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.kmsKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.kmsKeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.masterKey, key)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

// EncryptField encrypts plaintext with a fresh data key.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	wrapped := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(wrapped, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   wrapped,
		KeyID:          dataKey.KeyID,
		Version:        envelopeVersion,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts an envelope produced by EncryptField.
func (em *EncryptionManager) DecryptField(ctx context.Context, encryptedData *EncryptedData) (string, error) {
	cacheKey := encryptedData.EncryptedDEK
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return em.decryptWithKey(encryptedData.EncryptedValue, cached.([]byte))
	}

	wrapped, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var plaintextDEK []byte
	if encryptedData.KeyID == localKeyID {
		if em.masterKey == nil {
			return "", fmt.Errorf("%w: local envelope without master key", ErrDecryptionFailed)
		}
		plaintextDEK, err = open(em.masterKey, wrapped)
		if err != nil {
			return "", err
		}
	} else {
		if em.kmsClient == nil {
			return "", fmt.Errorf("%w: KMS envelope without KMS client", ErrDecryptionFailed)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	}

	em.keyCache.Store(cacheKey, plaintextDEK)
	return em.decryptWithKey(encryptedData.EncryptedValue, plaintextDEK)
}

// EncryptString returns the envelope serialized for a single text column.
func (em *EncryptionManager) EncryptString(ctx context.Context, plaintext string) (string, error) {
	data, err := em.EncryptField(ctx, plaintext)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (em *EncryptionManager) DecryptString(ctx context.Context, stored string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("%w: invalid envelope encoding", ErrDecryptionFailed)
	}
	var data EncryptedData
	if err := json.Unmarshal(b, &data); err != nil {
		return "", fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, &data)
}

func (em *EncryptionManager) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ClearCache drops all cached data keys.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
