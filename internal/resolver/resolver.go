// Package resolver finds the users subscribed to a location and service category.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

// Querier is the read side of a pgx pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Options configures paging and timeouts.
type Options struct {
	PageSize int
	Timeout  time.Duration
}

// Resolver pages through verified subscribers matching a location and category.
// It never writes to the preference store.
type Resolver struct {
	db      Querier
	opts    Options
	breaker *gobreaker.CircuitBreaker[[]string]
	logger  *zap.Logger
}

const pageQuery = `
        SELECT user_id
        FROM subscriber_preferences
        WHERE verified = TRUE
          AND current_location_id = $1
          AND $2 = ANY(preferred_categories)
          AND user_id > $3
        ORDER BY user_id
        LIMIT $4`

// New constructs a Resolver.
func New(db Querier, logger *zap.Logger, opts Options) *Resolver {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	r := &Resolver{db: db, opts: opts, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:        "subscriber-resolver",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// Each calls fn for every matching user id, one page at a time. An error
// returned by fn stops iteration and is returned unchanged; store failures
// are returned as TransientInfraError.
func (r *Resolver) Each(ctx context.Context, locationID, category string, fn func(userID string) error) error {
	after := ""
	for {
		page, err := r.page(ctx, locationID, category, after)
		if err != nil {
			return err
		}
		for _, userID := range page {
			if err := fn(userID); err != nil {
				return err
			}
		}
		if len(page) < r.opts.PageSize {
			return nil
		}
		after = page[len(page)-1]
	}
}

// Resolve collects every matching user id.
func (r *Resolver) Resolve(ctx context.Context, locationID, category string) ([]string, error) {
	var users []string
	err := r.Each(ctx, locationID, category, func(userID string) error {
		users = append(users, userID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *Resolver) page(ctx context.Context, locationID, category, after string) ([]string, error) {
	page, err := r.breaker.Execute(func() ([]string, error) {
		qctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		rows, err := r.db.Query(qctx, pageQuery, locationID, category, after, r.opts.PageSize)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, pgx.RowTo[string])
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Debug("resolver short-circuited", zap.Error(err))
		}
		return nil, apperrors.NewTransientInfraError("resolver.page", err)
	}
	return page, nil
}
