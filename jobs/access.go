package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/parahub/parahub/internal/jobs"
	"github.com/parahub/parahub/internal/rbac"
)

// PresetSeeder reconciles the compiled permission and role presets.
type PresetSeeder interface {
	SeedPresets(ctx context.Context) (rbac.SeedResult, error)
}

// AssignmentExpirer removes assignments whose expiry has passed.
type AssignmentExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// Publisher tells other processes to drop their access caches.
type Publisher interface {
	Publish(ctx context.Context) error
}

// SeedPresetsJob runs the preset reconciliation off the request path.
type SeedPresetsJob struct {
	Seeder    PresetSeeder
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewSeedPresetsJob initialises the seed handler.
func NewSeedPresetsJob(seeder PresetSeeder, publisher Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *SeedPresetsJob {
	return &SeedPresetsJob{Seeder: seeder, Publisher: publisher, Logger: logger, Metrics: metrics}
}

// Handle executes TaskSeedPresets.
func (j *SeedPresetsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Seeder == nil {
		return errors.New("seed presets: handler not configured")
	}
	var payload SeedPresetsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("seed presets: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.Metrics.Track(TaskSeedPresets)
	defer func() { err = tracker.End(err) }()

	logger := loggerOr(j.Logger).With(slog.String("job", TaskSeedPresets))
	if payload.RequestedBy != nil {
		logger = logger.With(slog.Int64("requested_by", *payload.RequestedBy))
	}

	result, err := j.Seeder.SeedPresets(ctx)
	if err != nil {
		logger.Error("seed presets failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskSeedPresets, "permissions", result.PermissionsInserted)
	j.Metrics.AddItems(TaskSeedPresets, "roles", result.RolesInserted+result.RolesUpdated)

	if j.Publisher != nil {
		if perr := j.Publisher.Publish(ctx); perr != nil {
			logger.Warn("publish access invalidation", slog.Any("error", perr))
		}
	}
	logger.Info("seed presets completed",
		slog.Int("permissions_inserted", result.PermissionsInserted),
		slog.Int("roles_inserted", result.RolesInserted),
		slog.Int("roles_updated", result.RolesUpdated),
	)
	return nil
}

// ExpireAssignmentsJob sweeps expired scoped role assignments.
type ExpireAssignmentsJob struct {
	Expirer AssignmentExpirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpireAssignmentsJob initialises the expiry handler.
func NewExpireAssignmentsJob(expirer AssignmentExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpireAssignmentsJob {
	return &ExpireAssignmentsJob{
		Expirer: expirer,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes TaskExpireAssignments.
func (j *ExpireAssignmentsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Expirer == nil {
		return errors.New("expire assignments: handler not configured")
	}
	var payload ExpireAssignmentsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("expire assignments: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	asOf := j.clock()
	if payload.AsOf != "" {
		parsed, perr := time.Parse(time.RFC3339, payload.AsOf)
		if perr != nil {
			return fmt.Errorf("expire assignments: as_of: %v: %w", perr, asynq.SkipRetry)
		}
		asOf = parsed.UTC()
	}

	tracker := j.Metrics.Track(TaskExpireAssignments)
	defer func() { err = tracker.End(err) }()

	logger := loggerOr(j.Logger).With(slog.String("job", TaskExpireAssignments), slog.Time("as_of", asOf))
	n, err := j.Expirer.ExpireDue(ctx, asOf)
	if err != nil {
		logger.Error("expire assignments failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskExpireAssignments, "assignments", n)
	if n > 0 {
		logger.Info("expired assignments removed", slog.Int("count", n))
	}
	return nil
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
