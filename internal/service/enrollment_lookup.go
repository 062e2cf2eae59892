package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

// EnrollmentLookup resolves when a student enrolled in a course. A nil date
// with a nil error means the student is not enrolled.
type EnrollmentLookup interface {
	EnrollmentDate(ctx context.Context, studentID, courseID uint) (*time.Time, error)
}

// absentMarker is cached for students without an enrollment so repeated
// lookups do not hit the source.
const absentMarker = "-"

// CachedEnrollmentLookup decorates an EnrollmentLookup with a Redis cache.
// Cache failures fall through to the source.
type CachedEnrollmentLookup struct {
	source EnrollmentLookup
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedEnrollmentLookup wraps source. A nil cache disables caching.
func NewCachedEnrollmentLookup(source EnrollmentLookup, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedEnrollmentLookup {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedEnrollmentLookup{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "enrollment_lookup").Logger(),
	}
}

// EnrollmentDate implements EnrollmentLookup.
func (l *CachedEnrollmentLookup) EnrollmentDate(ctx context.Context, studentID, courseID uint) (*time.Time, error) {
	cacheKey := fmt.Sprintf("enrollment:student:%d:course:%d", studentID, courseID)

	if l.cache != nil {
		cached, err := l.cache.Get(ctx, cacheKey).Result()
		switch {
		case err == nil:
			observability.EnrollmentCache().WithLabelValues("hit").Inc()
			if cached == absentMarker {
				return nil, nil
			}
			if parsed, parseErr := time.Parse(time.RFC3339Nano, cached); parseErr == nil {
				return &parsed, nil
			}
			l.logger.Warn().Str("key", cacheKey).Msg("discarding malformed enrollment cache entry")
		case errors.Is(err, redis.Nil):
			observability.EnrollmentCache().WithLabelValues("miss").Inc()
		default:
			observability.EnrollmentCache().WithLabelValues("error").Inc()
			l.logger.Warn().Err(err).Msg("failed to read enrollment cache")
		}
	}

	enrolledAt, err := l.source.EnrollmentDate(ctx, studentID, courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: enrollment lookup: %v", ErrDependencyUnavailable, err)
	}

	if l.cache != nil {
		value := absentMarker
		if enrolledAt != nil {
			value = enrolledAt.UTC().Format(time.RFC3339Nano)
		}
		if err := l.cache.Set(ctx, cacheKey, value, l.ttl).Err(); err != nil {
			l.logger.Warn().Err(err).Msg("failed to store enrollment cache")
		}
	}

	return enrolledAt, nil
}

// Invalidate drops the cached date, used after an enrollment changes.
func (l *CachedEnrollmentLookup) Invalidate(ctx context.Context, studentID, courseID uint) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Del(ctx, fmt.Sprintf("enrollment:student:%d:course:%d", studentID, courseID)).Err()
}
