package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/initials101/mpesa-gateway/internal/config"
	"github.com/initials101/mpesa-gateway/internal/queue"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/redis"
	"github.com/initials101/mpesa-gateway/pkg/worker"
)

const ProcessingTimeout = time.Second * 10
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

const workerPoolSize = 50

// ProcessorService consumes raw webhook payloads off the callback
// queue and feeds them through a worker pool into the registered
// processor. Resolution correctness does not depend on this layer;
// the store-level CAS makes redelivered callbacks harmless.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	queues    []*queue.Queue
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

func NewProcessorService(redis redis.RedisAdapter) (*ProcessorService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter: redis,
		queues:  make([]*queue.Queue, 0),
		metrics: NewServiceMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker.NewWorkerManager(10_000, workerPoolSize, nil),
	}, nil
}

func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("registered processor", "type", processor.GetType())
}

func (s *ProcessorService) Start() error {
	logger.Info("starting callback processor service")

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("worker manager stopped", "error", err)
		}
	}()

	for i := 0; i < config.Get().QueueConsumerCount; i++ {
		queueConfig := queue.QueueConfig{
			Name:              config.Get().CallbackQueueName,
			ConsumerGroup:     config.Get().QueueConsumerGroup,
			ConsumerName:      fmt.Sprintf("%s-instance-%d", config.Get().QueueConsumerName, i),
			MaxRetries:        config.Get().QueueMaxRetries,
			VisibilityTimeout: config.Get().QueueVisibilityTimeout,
			PollInterval:      config.Get().QueuePollInterval,
			BatchSize:         config.Get().QueueBatchSize,
			MaxLen:            config.Get().QueueMaxLen,
			EnableDLQ:         config.Get().QueueEnableDLQ,
		}

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("create queue consumer %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("start queue consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("callback processor service started",
		"consumers", len(s.queues),
		"workers", workerPoolSize,
	)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()
	logger.Info("processor metrics",
		"total_processed", stats["total_processed"],
		"total_failed", stats["total_failed"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"],
	)
	for i, q := range s.queues {
		if qStats, err := q.GetStats(); err == nil {
			logger.Info("queue stats", "queue", i, "total", qStats.TotalMessages, "pending", qStats.PendingMessages)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return
	}
	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("health check: queue stats unavailable", "queue", i, "error", err)
			continue
		}
		if stats.PendingMessages > 10000 {
			logger.Warn("health check: queue lag high", "queue", i, "pending_messages", stats.PendingMessages)
		}
	}
}

func (s *ProcessorService) Stop() {
	logger.Info("shutting down callback processor service")

	s.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.queues))
	for i, q := range s.queues {
		go func(index int, queue *queue.Queue) {
			if err := queue.Stop(timeout); err != nil {
				logger.Error("error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}
	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.reportMetrics()

	logger.Info("callback processor service stopped")
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler bridges a queue delivery into the worker pool and
// blocks until the worker reports back, so ack/nack semantics stay
// with the queue consumer.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)
	msgCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout+time.Second)
	defer cancel()

	s.worker.Enqueue(&jobResult{msg: msg, resultChan: resultChan, ctx: msgCtx})

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("job context cancelled before processing", "worker", workerIndex)
		return
	default:
	}

	start := time.Now()
	var resultErr error

	if s.processor == nil {
		logger.Error("no processor registered", "worker", workerIndex)
		s.metrics.RecordFailure()
	} else if err := s.processor.Process(jobRes.ctx, jobRes.msg); err != nil {
		s.metrics.RecordFailure()
		logger.Error("callback processing failed", "worker", workerIndex, "error", err)
		resultErr = err
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("handler timed out before worker result was delivered", "worker", workerIndex)
	}
}
