// Package redislock реализует domain.JobLocker поверх Redis (SET NX PX),
// чтобы фоновые задачи выполнялись одной репликой за раз.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// client: подмножество команд go-redis, нужное блокировке.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Config описывает подключение к Redis.
type Config struct {
	Client   redis.UniversalClient
	Addr     string
	Username string
	Password string
	DB       int
	Logger   *log.Entry
}

// Locker: распределённая блокировка фоновых задач.
type Locker struct {
	client    client
	closer    func() error
	logger    *log.Entry
	newToken  func() string
	keyPrefix string
}

// New создаёт Locker. Если Client не задан, открывает собственное подключение по Addr.
func New(cfg Config) (*Locker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "redis-lock")
	}

	var (
		cl     client
		closer func() error
	)
	switch {
	case cfg.Client != nil:
		cl = cfg.Client
	case cfg.Addr != "":
		rc := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		cl = rc
		closer = rc.Close
	default:
		return nil, errors.New("redis lock: client or addr is required")
	}

	return newLocker(cl, closer, logger), nil
}

func newLocker(cl client, closer func() error, logger *log.Entry) *Locker {
	return &Locker{
		client:    cl,
		closer:    closer,
		logger:    logger,
		newToken:  uuid.NewString,
		keyPrefix: "lock:",
	}
}

// TryLock пытается захватить key на ttl. Возвращённый release снимает блокировку,
// только если она всё ещё наша (после истечения ttl её мог взять другой).
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("redis lock %q: ttl must be positive", key)
	}

	token := l.newToken()
	redisKey := l.keyPrefix + key
	acquired, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %q: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		deleted, err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("redis unlock %q: %w", key, err)
		}
		if deleted == 0 {
			l.logger.WithField("lock_key", key).Warn("lock expired before release")
		}
		return nil
	}
	return release, true, nil
}

// PingContext проверяет доступность Redis.
func (l *Locker) PingContext(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close закрывает подключение, если Locker открыл его сам.
func (l *Locker) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer()
}

// Local: блокировка в пределах одного процесса для запуска без Redis.
type Local struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
	seq    uint64
}

type lease struct {
	until time.Time
	owner uint64
}

// NewLocal создаёт локальную блокировку.
func NewLocal() *Local {
	return &Local{leases: make(map[string]lease), now: time.Now}
}

// TryLock захватывает key, если он свободен или его ttl истёк.
func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.leases[key]; ok && now.Before(current.until) {
		return nil, false, nil
	}
	l.seq++
	owner := l.seq
	l.leases[key] = lease{until: now.Add(ttl), owner: owner}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.leases[key]; ok && current.owner == owner {
			delete(l.leases, key)
		}
		return nil
	}, true, nil
}

var (
	_ domain.JobLocker = (*Locker)(nil)
	_ domain.JobLocker = (*Local)(nil)
)
