package postgres

import (
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
)

// Option customises the stores in this package.
type Option func(*options)

type options struct {
	now    func() time.Time
	random func() float64
}

func defaultOptions() options {
	return options{
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Float64,
	}
}

// WithClock overrides the wall clock. Every timestamp written by the stores
// comes from this function, never from the database server.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRandom overrides the jitter source used for retry backoff.
func WithRandom(random func() float64) Option {
	return func(o *options) {
		if random != nil {
			o.random = random
		}
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// timestamp normalises to UTC microseconds so values round-trip identically
// through PostgreSQL and SQLite and compare correctly as text on the latter.
func (o options) timestamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

func isPostgres(db *sqlx.DB) bool {
	return db.DriverName() == "pgx" || db.DriverName() == "postgres"
}
