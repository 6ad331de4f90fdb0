package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dojoflow/dojoflow/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyCreditSpendOrg  = "credits:spend:org:%s"
	keyCreditSpendLock = "credits:spend:lock:%s"
)

// CreditSpendLimiter throttles per-org credit spend requests so a
// misbehaving integration cannot hammer the deduct endpoint.
type CreditSpendLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	orgRate  float64
	orgBurst int
	lockTTL  time.Duration
}

func NewCreditSpendLimiter(cfg config.Config) (*CreditSpendLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.SpendOrgRate <= 0 || limitCfg.SpendOrgBurst <= 0 {
		return nil, errors.New("credit spend rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &CreditSpendLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		locker:   NewLocker(client),
		orgRate:  limitCfg.SpendOrgRate,
		orgBurst: limitCfg.SpendOrgBurst,
		lockTTL:  time.Duration(limitCfg.SpendLockTTLSecond) * time.Second,
	}, nil
}

func (l *CreditSpendLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *CreditSpendLimiter) AllowOrg(ctx context.Context, orgID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyCreditSpendOrg, strings.TrimSpace(orgID)), l.orgRate, l.orgBurst)
}

// TryLockOrg serializes period resets and other maintenance against one
// org's balance across scheduler replicas.
func (l *CreditSpendLimiter) TryLockOrg(ctx context.Context, orgID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyCreditSpendLock, strings.TrimSpace(orgID)), l.lockTTL)
}

func (l *CreditSpendLimiter) ReleaseOrg(ctx context.Context, orgID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyCreditSpendLock, strings.TrimSpace(orgID)), token)
}
