// Package dbstore implements repo.Store on MySQL through gorm. It mirrors
// the in-memory store's semantics: transactions are exclusive writers and a
// failed callback rolls back every write.
package dbstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
)

type Store struct {
	db *gorm.DB
}

// Open connects to MySQL and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&sessionRow{}, &attemptRow{}, &taskRow{}, &archivedTaskRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already opened gorm handle. Used by tests.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&sessionRow{}, &attemptRow{}, &taskRow{}, &archivedTaskRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

type sessionRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	UUID        string    `gorm:"size:36"`
	Project     string    `gorm:"size:255;uniqueIndex:uniq_session,priority:1"`
	Workflow    string    `gorm:"size:255;uniqueIndex:uniq_session,priority:2"`
	SessionTime time.Time `gorm:"uniqueIndex:uniq_session,priority:3"`
	Params      []byte
	CreatedAt   time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type attemptRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	SessionID int64 `gorm:"uniqueIndex:uniq_attempt,priority:1"`
	Idx       int   `gorm:"column:idx"`
	// RetryName is the empty string for a session's first attempt, so the
	// unique index rejects duplicate unnamed attempts too.
	RetryName       string `gorm:"size:255;uniqueIndex:uniq_attempt,priority:2"`
	Workflow        string `gorm:"size:255"`
	Params          []byte
	Done            bool `gorm:"index"`
	Success         bool
	CancelRequested bool
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

func (attemptRow) TableName() string { return "attempts" }

type taskRow struct {
	ID                int64 `gorm:"primaryKey;autoIncrement"`
	AttemptID         int64 `gorm:"index"`
	ParentID          *int64
	Upstreams         []byte
	FullName          string `gorm:"size:768"`
	Type              string `gorm:"size:16"`
	State             string `gorm:"size:32;index"`
	InitialTask       bool
	CancelRequested   bool
	DelayedError      bool
	DelayedGroupError bool
	ConfigLocal       []byte
	ConfigExport      []byte
	StateParams       []byte
	ExportParams      []byte
	StoreParams       []byte
	ResetStoreParams  []byte
	Report            []byte
	ErrorParams       []byte `gorm:"column:error"`
	RetryAt           *time.Time
	RetryCount        int
	StartedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (taskRow) TableName() string { return "tasks" }

// archivedTaskRow is a frozen copy of a finished attempt's task row. The id
// is carried over from the live table, never re-assigned.
type archivedTaskRow taskRow

func (archivedTaskRow) TableName() string { return "task_archive" }

func confBlob(c *config.Config) []byte {
	if c == nil {
		c = config.New()
	}
	data, err := c.MarshalJSON()
	if err != nil {
		return []byte("{}")
	}
	return data
}

func confFromBlob(b []byte) (*config.Config, error) {
	if len(b) == 0 {
		return config.New(), nil
	}
	return config.ParseJSON(b)
}

func int64sBlob(v []int64) []byte {
	if len(v) == 0 {
		return []byte("[]")
	}
	data, _ := json.Marshal(v)
	return data
}

func int64sFromBlob(b []byte) ([]int64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []int64
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringsBlob(v []string) []byte {
	if len(v) == 0 {
		return []byte("[]")
	}
	data, _ := json.Marshal(v)
	return data
}

func stringsFromBlob(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sessionToRow(s model.Session) sessionRow {
	return sessionRow{
		ID:          s.ID,
		UUID:        s.UUID,
		Project:     s.Project,
		Workflow:    s.Workflow,
		SessionTime: s.SessionTime.UTC(),
		Params:      confBlob(s.Params),
		CreatedAt:   s.CreatedAt,
	}
}

func rowToSession(r sessionRow) (model.Session, error) {
	params, err := confFromBlob(r.Params)
	if err != nil {
		return model.Session{}, fmt.Errorf("session %d params: %w", r.ID, err)
	}
	return model.Session{
		ID:          r.ID,
		UUID:        r.UUID,
		Project:     r.Project,
		Workflow:    r.Workflow,
		SessionTime: r.SessionTime.UTC(),
		Params:      params,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func attemptToRow(a model.Attempt) attemptRow {
	retryName := ""
	if a.RetryName != nil {
		retryName = *a.RetryName
	}
	return attemptRow{
		ID:              a.ID,
		SessionID:       a.SessionID,
		Idx:             a.Index,
		RetryName:       retryName,
		Workflow:        a.Workflow,
		Params:          confBlob(a.Params),
		Done:            a.Flags.Done,
		Success:         a.Flags.Success,
		CancelRequested: a.Flags.CancelRequested,
		CreatedAt:       a.CreatedAt,
		FinishedAt:      a.FinishedAt,
	}
}

func rowToAttempt(r attemptRow) (model.Attempt, error) {
	params, err := confFromBlob(r.Params)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("attempt %d params: %w", r.ID, err)
	}
	var retryName *string
	if r.RetryName != "" {
		v := r.RetryName
		retryName = &v
	}
	return model.Attempt{
		ID:        r.ID,
		SessionID: r.SessionID,
		Index:     r.Idx,
		RetryName: retryName,
		Workflow:  r.Workflow,
		Params:    params,
		Flags: model.AttemptFlags{
			Done:            r.Done,
			Success:         r.Success,
			CancelRequested: r.CancelRequested,
		},
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}, nil
}

func taskToRow(t model.Task) taskRow {
	return taskRow{
		ID:                t.ID,
		AttemptID:         t.AttemptID,
		ParentID:          t.ParentID,
		Upstreams:         int64sBlob(t.Upstreams),
		FullName:          t.FullName,
		Type:              string(t.Type),
		State:             string(t.State),
		InitialTask:       t.Flags.InitialTask,
		CancelRequested:   t.Flags.CancelRequested,
		DelayedError:      t.Flags.DelayedError,
		DelayedGroupError: t.Flags.DelayedGroupError,
		ConfigLocal:       confBlob(t.Config.Local),
		ConfigExport:      confBlob(t.Config.Export),
		StateParams:       confBlob(t.StateParams),
		ExportParams:      confBlob(t.ExportParams),
		StoreParams:       confBlob(t.StoreParams),
		ResetStoreParams:  stringsBlob(t.ResetStoreParams),
		Report:            confBlob(t.Report),
		ErrorParams:       confBlob(t.Error),
		RetryAt:           t.RetryAt,
		RetryCount:        t.RetryCount,
		StartedAt:         t.StartedAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func rowToTask(r taskRow) (model.Task, error) {
	upstreams, err := int64sFromBlob(r.Upstreams)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d upstreams: %w", r.ID, err)
	}
	resetKeys, err := stringsFromBlob(r.ResetStoreParams)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d reset keys: %w", r.ID, err)
	}
	t := model.Task{
		ID:        r.ID,
		AttemptID: r.AttemptID,
		ParentID:  r.ParentID,
		Upstreams: upstreams,
		FullName:  r.FullName,
		Type:      model.TaskType(r.Type),
		State:     model.TaskState(r.State),
		Flags: model.TaskFlags{
			InitialTask:       r.InitialTask,
			CancelRequested:   r.CancelRequested,
			DelayedError:      r.DelayedError,
			DelayedGroupError: r.DelayedGroupError,
		},
		ResetStoreParams: resetKeys,
		RetryAt:          r.RetryAt,
		RetryCount:       r.RetryCount,
		StartedAt:        r.StartedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	decode := func(name string, data []byte, dst **config.Config) error {
		cfg, err := confFromBlob(data)
		if err != nil {
			return fmt.Errorf("task %d %s: %w", r.ID, name, err)
		}
		*dst = cfg
		return nil
	}
	if err := decode("config", r.ConfigLocal, &t.Config.Local); err != nil {
		return model.Task{}, err
	}
	if err := decode("export config", r.ConfigExport, &t.Config.Export); err != nil {
		return model.Task{}, err
	}
	if err := decode("state params", r.StateParams, &t.StateParams); err != nil {
		return model.Task{}, err
	}
	if err := decode("export params", r.ExportParams, &t.ExportParams); err != nil {
		return model.Task{}, err
	}
	if err := decode("store params", r.StoreParams, &t.StoreParams); err != nil {
		return model.Task{}, err
	}
	if err := decode("report", r.Report, &t.Report); err != nil {
		return model.Task{}, err
	}
	if err := decode("error", r.ErrorParams, &t.Error); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

func translateErr(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return repo.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return repo.ErrConflict
	}
	return err
}

func (s *Store) Transaction(ctx context.Context, fn func(repo.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&dbTx{db: tx})
	})
}

func (s *Store) GetSession(ctx context.Context, id int64) (model.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return model.Session{}, fmt.Errorf("session %d: %w", id, translateErr(err))
	}
	return rowToSession(row)
}

func (s *Store) FindSession(ctx context.Context, project, workflow string, sessionTime time.Time) (model.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("project = ? AND workflow = ? AND session_time = ?", project, workflow, sessionTime.UTC()).
		First(&row).Error
	if err != nil {
		return model.Session{}, fmt.Errorf("session %s/%s@%s: %w",
			project, workflow, sessionTime.UTC().Format(time.RFC3339), translateErr(err))
	}
	return rowToSession(row)
}

func (s *Store) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	var row attemptRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return model.Attempt{}, fmt.Errorf("attempt %d: %w", id, translateErr(err))
	}
	return rowToAttempt(row)
}

func (s *Store) ListActiveAttempts(ctx context.Context, lastID int64, limit int) ([]model.Attempt, error) {
	var rows []attemptRow
	err := s.db.WithContext(ctx).
		Where("done = ? AND id > ?", false, lastID).
		Order("id").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active attempts: %w", err)
	}
	return rowsToAttempts(rows)
}

func (s *Store) ListAttemptsOfSession(ctx context.Context, sessionID int64) ([]model.Attempt, error) {
	var rows []attemptRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list attempts of session %d: %w", sessionID, err)
	}
	return rowsToAttempts(rows)
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", id, translateErr(err))
	}
	return rowToTask(row)
}

func (s *Store) ListTasksByState(ctx context.Context, state model.TaskState, lastID int64, limit int) ([]model.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("state = ? AND id > ?", string(state), lastID).
		Order("id").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks in state %s: %w", state, err)
	}
	return rowsToTasks(rows)
}

func (s *Store) ListTasksOfAttempt(ctx context.Context, attemptID int64) ([]model.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks of attempt %d: %w", attemptID, err)
	}
	return rowsToTasks(rows)
}

func (s *Store) TaskRelations(ctx context.Context, attemptID int64) ([]model.TaskRelation, error) {
	tasks, err := s.ListTasksOfAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	out := make([]model.TaskRelation, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Relation())
	}
	return out, nil
}

func (s *Store) ListArchivedTasks(ctx context.Context, attemptID int64) ([]model.Task, error) {
	var rows []archivedTaskRow
	err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list archived tasks of attempt %d: %w", attemptID, err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := rowToTask(taskRow(r))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func rowsToAttempts(rows []attemptRow) ([]model.Attempt, error) {
	out := make([]model.Attempt, 0, len(rows))
	for _, r := range rows {
		a, err := rowToAttempt(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func rowsToTasks(rows []taskRow) ([]model.Task, error) {
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := rowToTask(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
