package mongodb

import (
	"context"
	"time"

	"github.com/DEEJ4Y/jobscheduler"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LockerConfig holds the configuration for Locker.
type LockerConfig struct {
	Config

	// LeaseTime is how long a lock stays held before other instances may take it over
	// (default: 30s). It bounds how long a crashed instance blocks the others.
	LeaseTime time.Duration

	// RetryInterval paces attempts on a held lock (default: 50ms).
	RetryInterval time.Duration

	// AcquireTimeout bounds Lock when ctx has no deadline (default: 30s).
	AcquireTimeout time.Duration

	// Clock is used for lease expiry (default: real clock).
	Clock clockwork.Clock
}

// Locker implements scheduler.Locker with one document per lock name. A lock is held
// while its document exists with an unexpired lease; an expired lease is taken over.
type Locker struct {
	locks          *mongo.Collection
	leaseTime      time.Duration
	retryInterval  time.Duration
	acquireTimeout time.Duration
	clock          clockwork.Clock
	logger         *zap.Logger
}

var _ scheduler.Locker = (*Locker)(nil)

// NewLocker creates a Locker using the "<prefix>locks" collection.
func NewLocker(config LockerConfig) (*Locker, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	if config.LeaseTime <= 0 {
		config.LeaseTime = 30 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	return &Locker{
		locks:          config.Database.Collection(config.CollectionPrefix + "locks"),
		leaseTime:      config.LeaseTime,
		retryInterval:  config.RetryInterval,
		acquireTimeout: config.AcquireTimeout,
		clock:          config.Clock,
		logger:         config.Logger.Named("locker"),
	}, nil
}

// Lock blocks until the named lock is held, ctx is done, or AcquireTimeout passes.
func (l *Locker) Lock(ctx context.Context, name string) (scheduler.Lock, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	owner := uuid.NewString()
	limiter := rate.NewLimiter(rate.Every(l.retryInterval), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "lock %s after %d attempts", name, attempt-1), scheduler.ErrLockTimeout)
		}
		ok, err := l.tryLock(ctx, name, owner)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "lock %s", name), scheduler.ErrLockTimeout)
		}
		if ok {
			if attempt > 1 {
				l.logger.Debug("lock acquired after contention", zap.String("lock", name), zap.Int("attempts", attempt))
			}
			return &mongoLock{locker: l, name: name, owner: owner}, nil
		}
	}
}

// tryLock inserts the lock document or takes over an expired one. A live lease held
// by someone else makes the upsert collide on _id.
func (l *Locker) tryLock(ctx context.Context, name, owner string) (bool, error) {
	now := l.clock.Now()
	filter := bson.M{"_id": name, "expiresAt": bson.M{"$lt": now}}
	update := bson.M{"$set": bson.M{"owner": owner, "expiresAt": now.Add(l.leaseTime)}}
	_, err := l.locks.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type mongoLock struct {
	locker *Locker
	name   string
	owner  string
}

// Unlock releases the lock if this holder still owns it.
func (m *mongoLock) Unlock(ctx context.Context) error {
	res, err := m.locker.locks.DeleteOne(ctx, bson.M{"_id": m.name, "owner": m.owner})
	if err != nil {
		return errors.Wrapf(err, "unlock %s", m.name)
	}
	if res.DeletedCount == 0 {
		m.locker.logger.Warn("lock lease expired before unlock", zap.String("lock", m.name))
		return errors.Newf("lock %s was no longer held", m.name)
	}
	return nil
}
