package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-automation/internal/config"
	"trades-automation/internal/metrics"
)

const deliverTimeout = 5 * time.Second

// Dispatcher 异步投递通知。缓冲区满时直接丢弃，调用方永不阻塞。
type Dispatcher struct {
	sink   Sink
	events chan Event
	done   chan struct{}
	logger *zap.Logger
}

// NewDispatcher 创建投递器，需调用 Run 启动消费。
func NewDispatcher(sink Sink, bufferSize int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Dispatcher{
		sink:   sink,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Notify 入队一条通知。
func (d *Dispatcher) Notify(ev Event) {
	select {
	case <-d.done:
		metrics.NotificationsDropped.WithLabelValues("queue").Inc()
	case d.events <- ev:
	default:
		metrics.NotificationsDropped.WithLabelValues("queue").Inc()
		d.logger.Warn("通知队列已满，丢弃", zap.String("id", ev.ID), zap.String("type", string(ev.Type)))
	}
}

// Run 持续投递直到 ctx 取消，退出前尽量投递已入队的通知并关闭通道。
func (d *Dispatcher) Run(ctx context.Context) {
	defer func() {
		close(d.done)
		if err := d.sink.Close(); err != nil {
			d.logger.Warn("关闭通知通道失败", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case ev := <-d.events:
			d.deliver(context.Background(), ev)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.events:
			d.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(parent, deliverTimeout)
	defer cancel()
	if err := d.sink.Notify(ctx, ev); err != nil {
		d.logger.Warn("通知投递失败", zap.String("id", ev.ID), zap.Error(err))
	}
}

// Build 按配置组装通知通道，日志通道总是启用。
func Build(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (Sink, error) {
	sinks := Fanout{NewLogSink(logger)}
	if cfg.Redis.Enabled {
		rs, err := NewRedisSink(ctx, cfg.Redis)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, rs)
	}
	if cfg.RabbitMQ.Enabled {
		mq, err := NewRabbitMQSink(cfg.RabbitMQ)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("notify: 初始化 RabbitMQ 失败: %w", err)
		}
		sinks = append(sinks, mq)
	}
	return sinks, nil
}
