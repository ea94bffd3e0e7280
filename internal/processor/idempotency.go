package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("callback already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// IdempotencyConfig tunes the Redis-backed dedupe of queued callback
// deliveries. This is queue hygiene only; resolution correctness is
// carried by the transaction store's compare-and-set.
type IdempotencyConfig struct {
	LockTTL            time.Duration
	ProcessedTTL       time.Duration
	MaxRetries         int
	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		RetryKeyPrefix:     "cb:retry:",
		LockKeyPrefix:      "cb:lock:",
		ProcessedKeyPrefix: "cb:processed:",
	}
}

type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

type ProcessingContext struct {
	RecordID     string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
	service      *IdempotencyService
}

func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, recordID string) (*ProcessingContext, error) {
	processedKey := s.config.ProcessedKeyPrefix + recordID
	exists, err := s.redis.Exist(processedKey)
	if err != nil {
		// A failed check must not block processing; a duplicate
		// resolution attempt is a CAS no-op anyway.
		logger.Warn("failed to check processed marker", "record_id", recordID, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	retryKey := s.config.RetryKeyPrefix + recordID
	retryCountBytes, err := s.redis.Get(retryKey)
	retryCount := 0
	if err == nil && len(retryCountBytes) > 0 {
		fmt.Sscanf(string(retryCountBytes), "%d", &retryCount)
	}
	if retryCount >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: record_id=%s, retries=%d", ErrMaxRetriesExceeded, recordID, retryCount)
	}

	lockKey := s.config.LockKeyPrefix + recordID
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := s.redis.SetNX(lockKey, lockValue, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	return &ProcessingContext{
		RecordID:     recordID,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
		service:      s,
	}, nil
}

func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	processedKey := s.config.ProcessedKeyPrefix + pc.RecordID
	if err := s.redis.Set(processedKey, []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	s.cleanup(ctx, pc)
	return nil
}

func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	retryKey := s.config.RetryKeyPrefix + pc.RecordID
	newRetryCount := pc.RetryCount + 1

	if err := s.redis.Set(retryKey, []byte(fmt.Sprintf("%d", newRetryCount)), s.config.ProcessedTTL); err != nil {
		logger.Error("failed to increment retry counter", "record_id", pc.RecordID, "error", err)
	}
	if err := s.redis.Del(s.config.LockKeyPrefix + pc.RecordID); err != nil {
		logger.Warn("failed to remove lock", "record_id", pc.RecordID, "error", err)
	}

	logger.Warn("callback processing failed, will retry",
		"record_id", pc.RecordID,
		"retry_count", newRetryCount,
		"max_retries", s.config.MaxRetries,
		"reason", reason,
	)
	return nil
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	if err := s.redis.Del(s.config.LockKeyPrefix + pc.RecordID); err != nil {
		logger.Warn("failed to release lock", "record_id", pc.RecordID, "error", err)
		return err
	}
	pc.lockAcquired = false
	return nil
}

func (s *IdempotencyService) cleanup(ctx context.Context, pc *ProcessingContext) {
	if err := s.redis.Del(s.config.LockKeyPrefix + pc.RecordID); err != nil {
		logger.Warn("failed to cleanup lock", "record_id", pc.RecordID, "error", err)
	}
	if err := s.redis.Del(s.config.RetryKeyPrefix + pc.RecordID); err != nil {
		logger.Warn("failed to cleanup retry counter", "record_id", pc.RecordID, "error", err)
	}
	pc.lockAcquired = false
}

func (s *IdempotencyService) GetRetryCount(ctx context.Context, recordID string) (int, error) {
	b, err := s.redis.Get(s.config.RetryKeyPrefix + recordID)
	if err != nil {
		if err == redis.NilError {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	fmt.Sscanf(string(b), "%d", &count)
	return count, nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, recordID string) (bool, error) {
	exists, err := s.redis.Exist(s.config.ProcessedKeyPrefix + recordID)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
