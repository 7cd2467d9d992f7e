package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"crash/internal/config"
	"crash/internal/logger"
)

// limitsKey is the dynamic platform config entry holding the current bet
// bounds and payout cap. Operators update it without redeploying.
const limitsKey = "crash:config:limits"

// Limits are the platform bet bounds. USD bounds are primary; the crypto
// bounds are the fallback for assets without a configured USD rate.
type Limits struct {
	MinBetUSD    decimal.Decimal `json:"min_bet_usd"`
	MaxBetUSD    decimal.Decimal `json:"max_bet_usd"`
	MaxPayoutUSD decimal.Decimal `json:"max_payout_usd"`
	MinBet       decimal.Decimal `json:"min_bet"`
	MaxBet       decimal.Decimal `json:"max_bet"`
}

type LimitsProvider interface {
	Limits(ctx context.Context) Limits
}

// RedisLimits reads the dynamic limits key with a tight timeout and falls
// back to the hardcoded config values, so bet placement never stalls on the
// config provider.
type RedisLimits struct {
	client   *redis.Client
	fallback Limits
}

func NewRedisLimits(client *redis.Client, cfg config.Limits) *RedisLimits {
	return &RedisLimits{
		client: client,
		fallback: Limits{
			MinBetUSD:    cfg.MinBetUSD,
			MaxBetUSD:    cfg.MaxBetUSD,
			MaxPayoutUSD: cfg.MaxPayoutUSD,
			MinBet:       cfg.MinBet,
			MaxBet:       cfg.MaxBet,
		},
	}
}

func (p *RedisLimits) Limits(ctx context.Context) Limits {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	raw, err := p.client.Get(ctx, limitsKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Debug("dynamic limits unavailable, using fallback", "err", err)
		}
		return p.fallback
	}

	var l Limits
	if err := json.Unmarshal(raw, &l); err != nil {
		logger.Warn("malformed dynamic limits, using fallback", "err", err)
		return p.fallback
	}
	if l.MinBetUSD.LessThanOrEqual(decimal.Zero) || l.MaxBetUSD.LessThan(l.MinBetUSD) ||
		l.MaxPayoutUSD.LessThanOrEqual(decimal.Zero) {
		logger.Warn("inconsistent dynamic limits, using fallback")
		return p.fallback
	}
	return l
}

// StaticLimits always returns the hardcoded bounds. Used in tests and when
// no Redis is wired.
type StaticLimits struct {
	L Limits
}

func (s StaticLimits) Limits(context.Context) Limits {
	return s.L
}
