package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/seantiz/walker/internal/model"
)

type jobRow struct {
	ID            string      `gorm:"primaryKey;type:varchar(26)"`
	OwnerID       string      `gorm:"not null;type:varchar(255);index:idx_jobs_owner_created,priority:1"`
	Name          string      `gorm:"not null;type:text"`
	State         string      `gorm:"not null;type:varchar(32)"`
	AggregateCode *int        `gorm:"column:aggregate_code"`
	CreatedAt     time.Time   `gorm:"not null;index:idx_jobs_owner_created,priority:2"`
	FinishedAt    *time.Time  `gorm:"column:finished_at"`
	Trails        []trailRow  `gorm:"foreignKey:JobID;constraint:OnDelete:RESTRICT"`
	Mission       *missionRow `gorm:"foreignKey:JobID;constraint:OnDelete:RESTRICT"`
}

func (jobRow) TableName() string { return "jobs" }

type trailRow struct {
	JobID     string     `gorm:"primaryKey;type:varchar(26)"`
	Host      string     `gorm:"primaryKey;type:varchar(64)"`
	Position  int        `gorm:"not null"`
	Summary   *string    `gorm:"type:text"`
	RawOutput *string    `gorm:"type:text"`
	WrittenAt *time.Time `gorm:"column:updated_at"`
}

func (trailRow) TableName() string { return "trails" }

type missionRow struct {
	JobID      string `gorm:"primaryKey;type:varchar(26)"`
	Kind       string `gorm:"not null;type:varchar(16)"`
	Command    string `gorm:"not null;type:text;default:''"`
	ScriptID   string `gorm:"not null;type:varchar(26);default:''"`
	ScriptBody string `gorm:"not null;type:text;default:''"`
	RemoteUser string `gorm:"not null;type:varchar(64)"`
}

func (missionRow) TableName() string { return "missions" }

type scriptRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)"`
	OwnerID   string    `gorm:"not null;type:varchar(255);index"`
	Name      string    `gorm:"not null;type:varchar(255)"`
	Body      string    `gorm:"not null;type:text"`
	Language  string    `gorm:"not null;type:varchar(32)"`
	CreatedAt time.Time `gorm:"not null"`
}

func (scriptRow) TableName() string { return "scripts" }

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through GORM.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to dsn and migrates the schema. GORM's own
// logging is routed through log at warn level.
func NewPostgresStore(dsn string, log *slog.Logger) (*PostgresStore, error) {
	gormLogger := logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := db.AutoMigrate(&jobRow{}, &trailRow{}, &missionRow{}, &scriptRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateJob inserts the job, its trails and its mission in one transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, j *model.Job, m *model.Mission) error {
	row := jobRow{
		ID:            j.ID,
		OwnerID:       j.OwnerID,
		Name:          j.Name,
		State:         string(j.State),
		AggregateCode: j.AggregateCode,
		CreatedAt:     j.CreatedAt,
		FinishedAt:    j.FinishedAt,
		Trails:        make([]trailRow, len(j.Trails)),
		Mission: &missionRow{
			JobID:      j.ID,
			Kind:       string(m.Kind),
			Command:    m.Command,
			ScriptID:   m.ScriptID,
			ScriptBody: m.ScriptBody,
			RemoteUser: m.RemoteUser,
		},
	}
	for i, t := range j.Trails {
		row.Trails[i] = trailRow{JobID: j.ID, Host: t.Host, Position: i}
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// snapshotTx gives a job row and its trails one consistent snapshot.
var snapshotTx = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

func orderedTrails(db *gorm.DB) *gorm.DB {
	return db.Order("position")
}

// GetJob retrieves a job and its trails by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.getJob(ctx, "id = ?", id)
}

// GetOwnedJob retrieves a job and its trails if it belongs to ownerID.
func (s *PostgresStore) GetOwnedJob(ctx context.Context, id, ownerID string) (*model.Job, error) {
	return s.getJob(ctx, "id = ? AND owner_id = ?", id, ownerID)
}

func (s *PostgresStore) getJob(ctx context.Context, query string, args ...any) (*model.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Preload("Trails", orderedTrails).Where(query, args...).First(&row).Error
	}, snapshotTx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toModel()
}

// ListJobs returns a page of ownerID's jobs, newest first, with the total count.
func (s *PostgresStore) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*model.Job, int, error) {
	var (
		rows  []jobRow
		total int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&jobRow{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		return tx.Preload("Trails", orderedTrails).
			Where("owner_id = ?", ownerID).
			Order("created_at DESC, id DESC").
			Limit(limit).Offset(offset).
			Find(&rows).Error
	}, snapshotTx)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	var jobs []*model.Job
	for i := range rows {
		j, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, int(total), nil
}

// GetMission retrieves the mission bound to a job.
func (s *PostgresStore) GetMission(ctx context.Context, jobID string) (*model.Mission, error) {
	var row missionRow
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return &model.Mission{
		JobID:      row.JobID,
		Kind:       model.MissionKind(row.Kind),
		Command:    row.Command,
		ScriptID:   row.ScriptID,
		ScriptBody: row.ScriptBody,
		RemoteUser: row.RemoteUser,
	}, nil
}

// UpdateTrail stores the summary and raw output of one host.
func (s *PostgresStore) UpdateTrail(ctx context.Context, jobID, host string, summary model.HostSummary, output string) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&trailRow{}).
		Where("job_id = ? AND host = ?", jobID, host).
		Updates(map[string]any{
			"summary":    string(data),
			"raw_output": output,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update trail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionJob locks the job row, validates the transition and applies it.
func (s *PostgresStore) TransitionJob(ctx context.Context, id string, to model.State, code *int) (model.State, error) {
	var from model.State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "state").First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job state: %w", err)
		}

		from = model.State(row.State)
		if !model.ValidTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		return tx.Model(&jobRow{}).Where("id = ?", id).Updates(map[string]any{
			"state":          string(to),
			"aggregate_code": code,
			"finished_at":    time.Now().UTC(),
		}).Error
	})
	return from, err
}

// FailOrphanedJobs sweeps jobs whose executor did not survive a restart.
func (s *PostgresStore) FailOrphanedJobs(ctx context.Context, summary model.HostSummary) ([]string, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	var ids []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orphaned := []string{string(model.StatePending), string(model.StateTimedOut)}
		if err := tx.Model(&jobRow{}).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("state IN ?", orphaned).Order("id").Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("query orphaned jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&trailRow{}).Where("job_id IN ? AND summary IS NULL", ids).
			Updates(map[string]any{
				"summary":    string(data),
				"raw_output": "",
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("fail trails: %w", err)
		}
		return tx.Model(&jobRow{}).Where("id IN ?", ids).Updates(map[string]any{
			"state":          string(model.StateSetupFailed),
			"aggregate_code": nil,
			"finished_at":    now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetJobStats returns job counts by state and trail failure counts for ownerID.
func (s *PostgresStore) GetJobStats(ctx context.Context, ownerID string) (*JobStats, error) {
	stats := &JobStats{CountByState: make(map[model.State]int, len(model.States))}
	for _, st := range model.States {
		stats.CountByState[st] = 0
	}

	var counts []struct {
		State string
		N     int
	}
	var summaries []*string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&jobRow{}).Select("state, count(*) AS n").
			Where("owner_id = ?", ownerID).Group("state").Scan(&counts).Error; err != nil {
			return fmt.Errorf("count by state: %w", err)
		}
		return tx.Model(&trailRow{}).
			Joins("JOIN jobs ON jobs.id = trails.job_id").
			Where("jobs.owner_id = ?", ownerID).
			Pluck("trails.summary", &summaries).Error
	}, snapshotTx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	for _, c := range counts {
		stats.CountByState[model.State(c.State)] = c.N
		stats.Total += c.N
	}
	for _, sum := range summaries {
		if sum == nil {
			stats.PendingTrails++
			continue
		}
		var hs model.HostSummary
		if err := json.Unmarshal([]byte(*sum), &hs); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		if hs.Failed() {
			stats.FailedTrails++
		}
	}
	return stats, nil
}

// CreateScript inserts a new script artifact.
func (s *PostgresStore) CreateScript(ctx context.Context, sc *model.Script) error {
	row := scriptRow{
		ID:        sc.ID,
		OwnerID:   sc.OwnerID,
		Name:      sc.Name,
		Body:      sc.Body,
		Language:  sc.Language,
		CreatedAt: sc.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// GetOwnedScript retrieves a script if it belongs to ownerID.
func (s *PostgresStore) GetOwnedScript(ctx context.Context, id, ownerID string) (*model.Script, error) {
	var row scriptRow
	err := s.db.WithContext(ctx).First(&row, "id = ? AND owner_id = ?", id, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return row.toModel(), nil
}

// ListScripts returns ownerID's scripts ordered by name.
func (s *PostgresStore) ListScripts(ctx context.Context, ownerID string) ([]*model.Script, error) {
	var rows []scriptRow
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("name, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	var scripts []*model.Script
	for i := range rows {
		scripts = append(scripts, rows[i].toModel())
	}
	return scripts, nil
}

func (r *jobRow) toModel() (*model.Job, error) {
	j := &model.Job{
		ID:            r.ID,
		Name:          r.Name,
		OwnerID:       r.OwnerID,
		State:         model.State(r.State),
		AggregateCode: r.AggregateCode,
		CreatedAt:     r.CreatedAt,
		FinishedAt:    r.FinishedAt,
		Trails:        make([]model.Trail, 0, len(r.Trails)),
	}
	for _, tr := range r.Trails {
		t := model.Trail{JobID: tr.JobID, Host: tr.Host, RawOutput: tr.RawOutput, UpdatedAt: tr.WrittenAt}
		if tr.Summary != nil {
			var hs model.HostSummary
			if err := json.Unmarshal([]byte(*tr.Summary), &hs); err != nil {
				return nil, fmt.Errorf("decode summary for %s: %w", tr.Host, err)
			}
			t.Summary = &hs
		}
		j.Trails = append(j.Trails, t)
	}
	return j, nil
}

func (r *scriptRow) toModel() *model.Script {
	return &model.Script{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Name:      r.Name,
		Body:      r.Body,
		Language:  r.Language,
		CreatedAt: r.CreatedAt,
	}
}
