package core

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// EncryptedPrefix 加密凭证的前缀，形如 enc:<base64>
const EncryptedPrefix = "enc:"

// DecryptCredentials 解密 enc: 前缀的凭证，明文凭证原样保留
// 解密失败的凭证被丢弃并记录错误；sp 为 nil 时所有加密凭证都被丢弃
func DecryptCredentials(sp SecretProvider, keys []string, logger *logrus.Logger) []string {
	out := make([]string, 0, len(keys))
	for i, k := range keys {
		if !strings.HasPrefix(k, EncryptedPrefix) {
			out = append(out, k)
			continue
		}
		if sp == nil {
			logger.Errorf("API key #%d is encrypted but no secret key is configured, skipping", i)
			continue
		}
		val, err := sp.Decrypt(strings.TrimPrefix(k, EncryptedPrefix))
		if err != nil {
			logger.Errorf("Failed to decrypt API key #%d: %v", i, err)
			continue
		}
		if val = strings.TrimSpace(val); val == "" {
			logger.Warnf("API key #%d decrypted to an empty value, skipping", i)
			continue
		}
		out = append(out, val)
	}
	return out
}
