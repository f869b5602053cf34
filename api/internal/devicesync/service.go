// Package devicesync implements the offline terminal sync protocol: device
// registration, request authentication, ordered at-most-once event
// application, conflict resolution and delta pulls.
package devicesync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/orders"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/events"
	"pos-sync-platform/shared/logx"
)

const (
	defaultReplayWindow     = 10 * time.Minute
	defaultMaxBatch         = 100
	defaultPullLimit        = 500
	defaultPullMaxLimit     = 1000
	defaultRegisterLockTTL  = 10 * time.Second
	deviceActorPrefix       = "device:"
	registerLockKeyTemplate = "device_register:%s:%s"
)

// OrderService is the order collaborator. orders.Service satisfies it.
type OrderService interface {
	CreateOrder(ctx context.Context, tx store.Tx, in orders.CreateInput, actor models.Actor) (models.Order, error)
	TransitionStatus(ctx context.Context, tx store.Tx, orderID uuid.UUID, toStatus string, actor models.Actor) (models.Order, bool, error)
}

// SettingsReader returns branches.ErrBranchNotFound for unknown branches.
type SettingsReader interface {
	Get(ctx context.Context, branchID uuid.UUID) (models.BranchSettings, error)
}

// Locker serialises registrations. lockx.RedisLocker satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

type Options struct {
	ReplayWindow     time.Duration
	MaxBatch         int
	PullDefaultLimit int
	PullMaxLimit     int
	EventsTopic      string
	ConflictsTopic   string
	RegisterLockTTL  time.Duration
	Locker           Locker
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = defaultReplayWindow
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = defaultMaxBatch
	}
	if o.PullMaxLimit <= 0 {
		o.PullMaxLimit = defaultPullMaxLimit
	}
	if o.PullDefaultLimit <= 0 {
		o.PullDefaultLimit = defaultPullLimit
	}
	if o.PullDefaultLimit > o.PullMaxLimit {
		o.PullDefaultLimit = o.PullMaxLimit
	}
	if o.EventsTopic == "" {
		o.EventsTopic = events.TopicSyncEvents
	}
	if o.ConflictsTopic == "" {
		o.ConflictsTopic = events.TopicSyncConflicts
	}
	if o.RegisterLockTTL <= 0 {
		o.RegisterLockTTL = defaultRegisterLockTTL
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type Service struct {
	store    store.Store
	orders   OrderService
	settings SettingsReader
	logger   logx.Logger
	opts     Options
}

func NewService(st store.Store, orderSvc OrderService, settings SettingsReader, logger logx.Logger, opts Options) *Service {
	return &Service{
		store:    st,
		orders:   orderSvc,
		settings: settings,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

func deviceActor(device models.Device) models.Actor {
	return models.Actor{
		BranchID: device.BranchID,
		ActorID:  deviceActorPrefix + device.DeviceID.String(),
		Role:     models.RolePOSDevice,
	}
}
