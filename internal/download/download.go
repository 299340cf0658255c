// Package download implements accounting for file downloads (§4.8):
// per-session dedup, real-time today's-stats updates, and lazy
// historical rollup of older sessions into daily aggregates.
package download

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
)

// TrackingCookieName is the anonymous session-affinity cookie name.
const TrackingCookieName = "hf_download_session"

// TrackingCookieMaxAge matches the 24h window the cookie is valid for.
const TrackingCookieMaxAge = 24 * time.Hour

// Config carries the `app.download_*` configuration namespace.
type Config struct {
	TimeBucketSeconds           int64
	KeepSessionsDays            int
	SessionCleanupThreshold     int64
}

// Service tracks downloads asynchronously so the resolve path never
// blocks on accounting.
type Service struct {
	db  *db.DB
	cfg Config
	log logr.Logger
}

// New builds a download.Service.
func New(database *db.DB, cfg Config, log logr.Logger) *Service {
	return &Service{db: database, cfg: cfg, log: log.WithName("download")}
}

// NewSessionID mints a fresh anonymous tracking id.
func NewSessionID() string {
	return uuid.New().String()
}

// TimeBucket computes the coarse time window a download falls into.
func (s *Service) TimeBucket(now time.Time) int64 {
	return now.Unix() / s.cfg.TimeBucketSeconds
}

// trackDeadline bounds the detached accounting task per spec.md §4.4's
// "must not hold resources past ~5s" requirement.
const trackDeadline = 5 * time.Second

// Track records one file download, deduplicating within the current
// time bucket by session id. It is meant to be called via `go`, so
// failures are logged and swallowed rather than propagated (§7).
func (s *Service) Track(ctx context.Context, repo *models.Repository, filePath, sessionID string, userID *int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackDeadline)
	defer cancel()

	now := time.Now().UTC()
	bucket := s.TimeBucket(now)

	existing, err := s.db.GetDownloadSession(ctx, repo.ID, sessionID, bucket)
	if err != nil {
		s.log.Error(err, "download session lookup failed", "repo", repo.FullID())
		return
	}

	if existing != nil {
		if err := s.db.IncrementDownloadSessionFiles(ctx, existing.ID); err != nil {
			s.log.Error(err, "download session increment failed", "repo", repo.FullID())
			return
		}
		today := truncateToDay(now)
		if err := s.db.IncrementTodayTotalFiles(ctx, repo.ID, today); err != nil {
			s.log.Error(err, "today's total_files increment failed", "repo", repo.FullID())
		}
		return
	}

	today := truncateToDay(now)
	if err := s.db.CreateDownloadSessionAndUpsertDailyStats(ctx, repo.ID, sessionID, bucket, filePath, userID, today); err != nil {
		s.log.Error(err, "new download session creation failed", "repo", repo.FullID())
		return
	}

	count, err := s.db.CountRepositorySessions(ctx, repo.ID)
	if err != nil {
		return
	}
	if count > s.cfg.SessionCleanupThreshold {
		go s.aggregateOldSessions(context.WithoutCancel(ctx), repo)
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EnsureStatsUpToDate lazily rolls historical sessions (everything
// strictly before today, which is already updated in real time) into
// DailyRepoStats, resolving spec.md §9's rollup-boundary open question:
// the boundary is always "yesterday and earlier", never today.
func (s *Service) EnsureStatsUpToDate(ctx context.Context, repo *models.Repository) error {
	yesterday := truncateToDay(time.Now().UTC().AddDate(0, 0, -1))

	latest, ok, err := s.db.LatestDailyStatDate(ctx, repo.ID)
	if err != nil {
		return fmt.Errorf("lookup latest daily stat: %w", err)
	}

	var start *time.Time
	if ok {
		if !latest.Before(yesterday) {
			return nil // already caught up through yesterday
		}
		next := latest.AddDate(0, 0, 1)
		start = &next
	}
	return s.aggregateSessionsToDaily(ctx, repo, start, yesterday)
}

func (s *Service) aggregateSessionsToDaily(ctx context.Context, repo *models.Repository, start *time.Time, end time.Time) error {
	sessions, err := s.db.SessionsInRange(ctx, repo.ID, start, end.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		return fmt.Errorf("load sessions for rollup: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	type bucket struct {
		sessions, auth, anon, files int64
	}
	byDay := map[time.Time]*bucket{}
	for _, sess := range sessions {
		day := truncateToDay(sess.FirstDownloadAt)
		b, ok := byDay[day]
		if !ok {
			b = &bucket{}
			byDay[day] = b
		}
		b.sessions++
		b.files += sess.FileCount
		if sess.UserID != nil {
			b.auth++
		} else {
			b.anon++
		}
	}

	for day, b := range byDay {
		if err := s.db.UpsertDailyStat(ctx, repo.ID, day, b.sessions, b.auth, b.anon, b.files); err != nil {
			return fmt.Errorf("upsert daily stat for %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

// aggregateOldSessions ensures historical stats are caught up, then
// deletes sessions old enough that their contribution is already
// durably captured in DailyRepoStats.
func (s *Service) aggregateOldSessions(ctx context.Context, repo *models.Repository) {
	if err := s.EnsureStatsUpToDate(ctx, repo); err != nil {
		s.log.Error(err, "historical rollup failed during cleanup", "repo", repo.FullID())
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.KeepSessionsDays)
	deleted, err := s.db.DeleteSessionsOlderThan(ctx, repo.ID, cutoff)
	if err != nil {
		s.log.Error(err, "old session cleanup failed", "repo", repo.FullID())
		return
	}
	if deleted > 0 {
		s.log.Info("cleaned up old download sessions", "repo", repo.FullID(), "count", deleted)
	}
}
