package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
)

var (
	// ErrMalformedMessage — нарушение схемы конверта при decode.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrDecryptionFailed — не сошелся auth tag или битый шифротекст.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// hkdfInfo фиксирует назначение ключа: смена строки инвалидирует все ключи.
const hkdfInfo = "solace-coordination-bus-v1"

// Codec кодирует конверты сообщений в wire-формат:
// JSON -> [gzip] -> [nonce || AES-256-GCM(ciphertext+tag)].
// Компрессия и шифрование фиксируются на деплой — decode однозначен.
type Codec struct {
	aead     cipher.AEAD // nil, когда шифрование выключено
	compress bool
}

// New собирает кодек. Отсутствие секрета при включенном шифровании —
// фатальная ошибка конфигурации, поднимается здесь, на старте,
// а не в момент обработки сообщения.
func New(cfg infra.BusConfig) (*Codec, error) {
	c := &Codec{compress: cfg.CompressionEnabled}

	if cfg.EncryptionEnabled {
		if len(cfg.EncryptionSecret) == 0 {
			return nil, &infra.ConfigurationError{
				Field:  "bus.encryption_secret",
				Reason: "encryption enabled without a secret",
			}
		}

		// Из произвольного секрета выводим ровно 32 байта ключа (AES-256)
		key := make([]byte, 32)
		kdf := hkdf.New(sha256.New, cfg.EncryptionSecret, nil, []byte(hkdfInfo))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("derive encryption key: %w", err)
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("init cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("init gcm: %w", err)
		}
		c.aead = aead
	}

	return c, nil
}

// Encode сериализует конверт в wire-байты.
func (c *Codec) Encode(msg domain.Message) ([]byte, error) {
	if !msg.Valid() {
		return nil, fmt.Errorf("%w: incomplete envelope", ErrMalformedMessage)
	}

	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return c.Seal(plain)
}

// Decode разбирает wire-байты обратно в конверт.
// Схемные нарушения -> ErrMalformedMessage, проблемы шифра -> ErrDecryptionFailed.
func (c *Codec) Decode(wire []byte) (domain.Message, error) {
	plain, err := c.Open(wire)
	if err != nil {
		return domain.Message{}, err
	}

	var msg domain.Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !msg.Valid() {
		return domain.Message{}, fmt.Errorf("%w: incomplete envelope", ErrMalformedMessage)
	}
	return msg, nil
}

// Seal применяет компрессию и шифрование к произвольным байтам.
// Используется и конвертами, и recovery-снапшотами (одна политика шифрования).
func (c *Codec) Seal(plain []byte) ([]byte, error) {
	data := plain

	if c.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		data = buf.Bytes()
	}

	if c.aead == nil {
		return data, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	// Wire-формат: nonce || ciphertext (auth tag внутри Seal-вывода GCM)
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

// Open — обратная операция к Seal.
func (c *Codec) Open(wire []byte) ([]byte, error) {
	data := wire

	if c.aead != nil {
		if len(data) < c.aead.NonceSize()+c.aead.Overhead() {
			return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
		}
		nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
		plain, err := c.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		data = plain
	}

	if c.compress {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip header", ErrMalformedMessage)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated gzip stream", ErrMalformedMessage)
		}
		data = out
	}

	return data, nil
}
