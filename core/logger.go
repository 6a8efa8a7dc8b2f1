package core

import (
	"errors"
	"image-gateway/models"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncRequestLogger 异步请求日志记录器
type AsyncRequestLogger struct {
	db        *gorm.DB
	logChan   chan *models.RequestLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retain    int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncRequestLogger 创建新的异步日志记录器
// retain: 数据库中最多保留的请求日志条数
func NewAsyncRequestLogger(db *gorm.DB, logger *logrus.Logger, retain int) *AsyncRequestLogger {
	if retain <= 0 {
		retain = 100
	}
	l := &AsyncRequestLogger{
		db:        db,
		logChan:   make(chan *models.RequestLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,             // 批量插入大小
		flushTime: 5 * time.Second, // 最长等待时间
		retain:    retain,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Log 提交日志到队列，队列满时丢弃，不阻塞业务
func (l *AsyncRequestLogger) Log(log *models.RequestLog) {
	select {
	case l.logChan <- log:
	default:
		l.logger.Warn("Log channel full, dropping request log")
	}
}

func (l *AsyncRequestLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncRequestLogger) workerLoop() {
	var batch []*models.RequestLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case log := <-l.logChan:
			batch = append(batch, log)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前把队列里剩余的日志一起刷掉
			for {
				select {
				case log := <-l.logChan:
					batch = append(batch, log)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

// flush 批量写入数据库、裁剪历史并更新凭证统计
func (l *AsyncRequestLogger) flush(logs []*models.RequestLog) {
	if len(logs) == 0 {
		return
	}

	l.logger.Debugf("[Logger] Flushing %d logs to DB...", len(logs))

	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[Logger] Failed to flush logs: %v", err)
	}

	l.prune()
	l.updateStats(logs)
}

// prune 只保留最新的 retain 条
func (l *AsyncRequestLogger) prune() {
	var count int64
	if err := l.db.Model(&models.RequestLog{}).Count(&count).Error; err != nil || count <= int64(l.retain) {
		return
	}
	var pivotID uint
	if err := l.db.Model(&models.RequestLog{}).Select("id").Order("id desc").Offset(l.retain).Limit(1).Scan(&pivotID).Error; err != nil {
		l.logger.Errorf("[Logger] Failed to find prune pivot: %v", err)
		return
	}
	if pivotID > 0 {
		if err := l.db.Where("id <= ?", pivotID).Delete(&models.RequestLog{}).Error; err != nil {
			l.logger.Errorf("[Logger] Failed to prune logs: %v", err)
		}
	}
}

type statDelta struct {
	Success      int
	Error        int
	RateLimited  int
	TotalLatency float64
	RequestCount int64
}

func (l *AsyncRequestLogger) updateStats(logs []*models.RequestLog) {
	statsMap := make(map[string]*statDelta)
	for _, log := range logs {
		if log.CredentialFingerprint == "" {
			continue
		}
		delta, ok := statsMap[log.CredentialFingerprint]
		if !ok {
			delta = &statDelta{}
			statsMap[log.CredentialFingerprint] = delta
		}
		delta.RequestCount++
		delta.TotalLatency += float64(log.Duration)
		switch {
		case log.StatusCode == http.StatusTooManyRequests:
			delta.RateLimited++
		case log.StatusCode >= 200 && log.StatusCode < 300:
			delta.Success++
		default:
			delta.Error++
		}
	}

	for fp, delta := range statsMap {
		var stat models.CredentialStats
		err := l.db.Where("fingerprint = ?", fp).First(&stat).Error
		switch {
		case err == nil:
			stat.Success += delta.Success
			stat.Error += delta.Error
			stat.RateLimited += delta.RateLimited
			stat.TotalLatency += delta.TotalLatency
			stat.RequestCount += delta.RequestCount
			err = l.db.Save(&stat).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			err = l.db.Create(&models.CredentialStats{
				Fingerprint:  fp,
				Success:      delta.Success,
				Error:        delta.Error,
				RateLimited:  delta.RateLimited,
				TotalLatency: delta.TotalLatency,
				RequestCount: delta.RequestCount,
			}).Error
		}
		if err != nil {
			l.logger.Errorf("[Logger] Failed to update stats for %s: %v", fp, err)
		}
	}
}

// Close 关闭日志记录器并等待剩余日志落盘
func (l *AsyncRequestLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
