package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

// AdminKey 管理员密钥
type AdminKey struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`                   // 备注，如 "MacBook Pro"
	Key       string    `gorm:"uniqueIndex" json:"key"` // 实际的 sk-admin-xxx
	CreatedAt time.Time `json:"created_at"`
}

// RequestLog 单次网关请求的记录
// 只保存凭证指纹，不落盘明文 Key
type RequestLog struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	CreatedAt             time.Time `json:"created_at"`
	RequestID             string    `gorm:"index" json:"request_id"`
	Operation             string    `json:"operation"` // generate / describe
	Method                string    `json:"method"`
	Path                  string    `json:"path"`
	StatusCode            int       `json:"status_code"`
	Duration              int64     `json:"duration"` // 毫秒
	IP                    string    `json:"ip"`
	UserAgent             string    `json:"user_agent"`
	Attempts              int       `json:"attempts"`
	CredentialFingerprint string    `gorm:"index" json:"credential_fingerprint"`
	ErrorKind             string    `json:"error_kind,omitempty"`
	ErrorMsg              string    `json:"error_msg,omitempty"`
}

// CredentialStats 凭证维度的聚合统计
type CredentialStats struct {
	gorm.Model
	Fingerprint  string  `gorm:"uniqueIndex;not null" json:"fingerprint"`
	Success      int     `gorm:"default:0" json:"success"`
	Error        int     `gorm:"default:0" json:"error"`
	RateLimited  int     `gorm:"default:0" json:"rate_limited"`
	TotalLatency float64 `gorm:"default:0" json:"total_latency"` // 毫秒
	RequestCount int64   `gorm:"default:0" json:"request_count"`
}

// AverageLatency 平均延迟 (毫秒)
func (s CredentialStats) AverageLatency() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return s.TotalLatency / float64(s.RequestCount)
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AdminKey{},
		&RequestLog{},
		&CredentialStats{},
	)
}

// GenerateAdminKey 生成管理员密钥
func GenerateAdminKey() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "sk-admin-" + hex.EncodeToString(bytes)
}

// InitializeDefaultData 初始化默认数据
// 首次启动时生成根管理员密钥并返回，之后返回空字符串
func InitializeDefaultData(db *gorm.DB) (string, error) {
	var adminCount int64
	if err := db.Model(&AdminKey{}).Count(&adminCount).Error; err != nil {
		return "", err
	}
	if adminCount > 0 {
		return "", nil
	}

	adminKey := AdminKey{
		Name: "Initial Root Key",
		Key:  GenerateAdminKey(),
	}
	if err := db.Create(&adminKey).Error; err != nil {
		return "", err
	}
	return adminKey.Key, nil
}
