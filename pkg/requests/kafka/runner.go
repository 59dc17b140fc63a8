// Package kafka consumes build requests from a Kafka topic and submits them
// to the job manager.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/jobs"
	"github.com/mohammed-shakir/mocgen/internal/logger"
)

type Submitter interface {
	Submit(ctx context.Context, req jobs.BuildRequest) (string, bool, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      RequestsConfig
	jobs     Submitter
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg RequestsConfig, s Submitter, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		jobs:   s,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("build request consumer disabled")
		return nil
	}
	if r.jobs == nil {
		return errors.New("kafka runner: job submitter is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := r.handler()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("build request consumer started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("build request consumer stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}
}

// handleMessage submits one request. Malformed and duplicate messages are
// dropped; only a full or stopped job queue is returned as an error so the
// message is redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	defer func() { r.ms.proc.Observe(time.Since(start).Seconds()) }()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var m RequestMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		r.drop("decode_error", msg, err)
		return nil
	}
	if err := m.Validate(); err != nil {
		r.drop("invalid", msg, err)
		return nil
	}
	if !r.ver.claim(m.RequestID, m.Version) {
		r.ms.msgs.WithLabelValues("skip_version").Inc()
		observability.IncKafka("consumed", "skip_version")
		return nil
	}

	sctx := logger.WithComponent(logger.WithRequestID(ctx, m.RequestID), "kafka")
	id, deduped, err := r.jobs.Submit(sctx, m.Build)
	switch {
	case err == nil:
		r.ms.msgs.WithLabelValues("submitted").Inc()
		observability.IncKafka("consumed", "ok")
		r.log.Info("build request submitted",
			"request_id", m.RequestID, "version", m.Version, "build_id", id, "deduped", deduped)
		return nil
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		r.ver.release(m.RequestID, m.Version)
		r.ms.msgs.WithLabelValues("retry").Inc()
		observability.IncKafka("consumed", "retry")
		return fmt.Errorf("submit %s: %w", m.RequestID, err)
	default:
		r.drop("rejected", msg, err)
		return nil
	}
}

func (r *Runner) drop(result string, msg *sarama.ConsumerMessage, err error) {
	r.ms.msgs.WithLabelValues(result).Inc()
	observability.IncKafka("consumed", result)
	r.log.Warn("build request dropped",
		"result", result, "partition", msg.Partition, "offset", msg.Offset, "err", err)
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
