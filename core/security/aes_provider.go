package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AESSecretProvider 实现基于 AES-GCM 的凭证加解密
// 密文格式: base64(nonce || sealed)
type AESSecretProvider struct {
	gcm cipher.AEAD
}

// NewAESSecretProvider 创建新的 AES Secret Provider
// keyStr 可以是 16/24/32 字节的原始字符串，也可以是这些长度的 base64 编码
func NewAESSecretProvider(keyStr string) (*AESSecretProvider, error) {
	key, err := parseKey(keyStr)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSecretProvider{gcm: gcm}, nil
}

func validKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

func parseKey(keyStr string) ([]byte, error) {
	if validKeyLen(len(keyStr)) {
		return []byte(keyStr), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(keyStr); err == nil && validKeyLen(len(decoded)) {
		return decoded, nil
	}
	return nil, fmt.Errorf("invalid key length: %d. Must be 16, 24, or 32 bytes (raw or base64)", len(keyStr))
}

func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(ciphertextBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := p.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := p.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
