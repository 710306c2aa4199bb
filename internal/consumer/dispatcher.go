// Package consumer 实现入站消息的单消费者处理管线。
//
// 任意多个生产者并发 Submit 到一个有界队列；唯一的消费协程按到达顺序
// 逐条处理，因此所有按设备/行程划分的内存状态（活跃行程缓存、风险窗口、
// 检测器状态）都只被这一个协程改写，无需加锁。
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rideguard/internal/detector"
	"rideguard/internal/models"
	"rideguard/internal/risk"
	"rideguard/internal/tripstats"
	"rideguard/internal/window"
)

// Config 消费管线参数
type Config struct {
	QueueSize      int           // 有界队列容量
	RiskWindowAge  time.Duration // 风险评估窗口最大时长
	RiskWindowSize int           // 风险评估窗口最大条数
	AssessInterval time.Duration // 单设备风险评估/广播的最小间隔
}

// DefaultConfig 默认管线参数
func DefaultConfig() Config {
	return Config{
		QueueSize:      10000,
		RiskWindowAge:  20 * time.Second,
		RiskWindowSize: 20,
		AssessInterval: time.Second,
	}
}

// DeviceStore 设备持久化接口
type DeviceStore interface {
	UpsertDevice(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error
}

// TripStore 行程持久化接口
type TripStore interface {
	CreateTrip(ctx context.Context, userID *string, deviceID string, startTime time.Time, startLat, startLng *float64) (*models.Trip, error)
	GetTripByID(ctx context.Context, tripID string) (*models.Trip, error)
	GetActiveTripForDevice(ctx context.Context, deviceID string) (*models.Trip, error)
	CloseTrip(ctx context.Context, tripID string, endTime time.Time, endLat, endLng *float64, crashDetected *bool, stats tripstats.Stats) error
}

// TelemetryStore 遥测采样持久化接口
type TelemetryStore interface {
	InsertTripPoint(ctx context.Context, p *models.TripPoint) error
	GetPointsForTrip(ctx context.Context, tripID string) ([]models.TripPoint, error)
	GetLastKnownLocation(ctx context.Context, tripID string) (*float64, *float64, error)
}

// AlertStore 报警持久化接口
type AlertStore interface {
	InsertAlert(ctx context.Context, a *models.Alert) (*models.Alert, error)
}

// Notifier 实时推送接口
type Notifier interface {
	PushToUser(userID string, msg models.BroadcastMessage)
}

// RiskCache 实时风险缓存接口
type RiskCache interface {
	UpdateRisk(ctx context.Context, deviceID string, assessment models.RiskAssessment) error
	PurgeRisk(ctx context.Context, deviceID string) error
}

// riskState 单设备的风险评估运行状态（仅消费协程触达）
type riskState struct {
	window       *window.Window
	lastFix      *risk.GPSFix
	lastAssessed time.Time
	ownerID      *string
}

// Dispatcher 入站消息分发器
type Dispatcher struct {
	cfg   Config
	queue chan models.Message

	devices   DeviceStore
	trips     TripStore
	telemetry TelemetryStore
	alerts    AlertStore
	crash     *detector.Detector
	notifier  Notifier
	riskCache RiskCache
	logger    *zap.Logger
	now       func() time.Time

	// 消费协程独占的内存状态
	activeTrips map[string]string     // device_id -> recording trip_id
	riskStates  map[string]*riskState // device_id -> 风险窗口状态
}

// NewDispatcher 创建分发器
func NewDispatcher(
	cfg Config,
	devices DeviceStore,
	trips TripStore,
	telemetry TelemetryStore,
	alerts AlertStore,
	crash *detector.Detector,
	notifier Notifier,
	riskCache RiskCache,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Dispatcher{
		cfg:         cfg,
		queue:       make(chan models.Message, cfg.QueueSize),
		devices:     devices,
		trips:       trips,
		telemetry:   telemetry,
		alerts:      alerts,
		crash:       crash,
		notifier:    notifier,
		riskCache:   riskCache,
		logger:      logger,
		now:         time.Now,
		activeTrips: make(map[string]string),
		riskStates:  make(map[string]*riskState),
	}
}

// Submit 把一条已校验的消息放入队列。
// 队列满时阻塞生产者（背压），绝不静默丢弃；上下文取消时返回错误。
func (d *Dispatcher) Submit(ctx context.Context, msg models.Message) error {
	select {
	case d.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 启动消费循环，直到上下文取消。
// 单条消息的任何失败（包括 panic）只影响该条消息，循环继续。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		zap.Int("queue_size", d.cfg.QueueSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")
			return nil
		case msg := <-d.queue:
			d.handleMessage(ctx, msg)
		}
	}
}

// handleMessage 按消息类型路由，并隔离单条消息的失败
func (d *Dispatcher) handleMessage(ctx context.Context, msg models.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Message handler panicked",
				zap.String("kind", msg.Kind()),
				zap.Any("panic", r),
			)
		}
	}()

	var err error
	switch m := msg.(type) {
	case *models.TripStartMessage:
		err = d.handleTripStart(ctx, m)
	case *models.TelemetryMessage:
		err = d.handleTelemetry(ctx, m)
	case *models.TripEndMessage:
		err = d.handleTripEnd(ctx, m)
	case *models.AlertMessage:
		err = d.handleAlert(ctx, m)
	default:
		d.logger.Warn("Unrecognized message kind, discarding",
			zap.String("kind", msg.Kind()),
		)
	}

	if err != nil {
		d.logger.Error("Failed to handle message",
			zap.String("kind", msg.Kind()),
			zap.Error(err),
		)
	}
}

// QueueDepth 当前排队消息数（监控用）
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
