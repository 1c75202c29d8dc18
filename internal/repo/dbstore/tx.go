package dbstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
)

// dbTx runs inside one gorm transaction. Row locks via SELECT FOR UPDATE
// stand in for the in-memory store's single-writer mutex.
type dbTx struct {
	db *gorm.DB
}

func (tx *dbTx) UpsertSession(s model.Session) (model.Session, error) {
	var row sessionRow
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project = ? AND workflow = ? AND session_time = ?",
			s.Project, s.Workflow, s.SessionTime.UTC()).
		First(&row).Error
	if err == nil {
		return rowToSession(row)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	s.CreatedAt = time.Now().UTC()
	row = sessionToRow(s)
	row.ID = 0
	if err := tx.db.Create(&row).Error; err != nil {
		return model.Session{}, fmt.Errorf("insert session: %w", translateErr(err))
	}
	return rowToSession(row)
}

func (tx *dbTx) UpdateSessionParams(sessionID int64, params *config.Config) error {
	res := tx.db.Model(&sessionRow{}).Where("id = ?", sessionID).
		Update("params", confBlob(params))
	if res.Error != nil {
		return fmt.Errorf("update session %d params: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %d: %w", sessionID, repo.ErrNotFound)
	}
	return nil
}

func (tx *dbTx) InsertAttempt(a model.Attempt) (model.Attempt, error) {
	var n int64
	if err := tx.db.Model(&sessionRow{}).Where("id = ?", a.SessionID).Count(&n).Error; err != nil {
		return model.Attempt{}, fmt.Errorf("check session %d: %w", a.SessionID, err)
	}
	if n == 0 {
		return model.Attempt{}, fmt.Errorf("session %d: %w", a.SessionID, repo.ErrNotFound)
	}
	a.CreatedAt = time.Now().UTC()
	row := attemptToRow(a)
	row.ID = 0
	if err := tx.db.Create(&row).Error; err != nil {
		if errors.Is(translateErr(err), repo.ErrConflict) {
			return model.Attempt{}, fmt.Errorf("attempt of session %d with retry name %v: %w",
				a.SessionID, a.RetryName, repo.ErrConflict)
		}
		return model.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return rowToAttempt(row)
}

func (tx *dbTx) GetAttempt(id int64) (model.Attempt, error) {
	var row attemptRow
	if err := tx.db.First(&row, id).Error; err != nil {
		return model.Attempt{}, fmt.Errorf("attempt %d: %w", id, translateErr(err))
	}
	return rowToAttempt(row)
}

func (tx *dbTx) UpdateAttemptFlags(id int64, flags model.AttemptFlags, finishedAt *time.Time) error {
	updates := map[string]any{
		"done":             flags.Done,
		"success":          flags.Success,
		"cancel_requested": flags.CancelRequested,
	}
	if finishedAt != nil {
		updates["finished_at"] = *finishedAt
	}
	res := tx.db.Model(&attemptRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update attempt %d flags: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attempt %d: %w", id, repo.ErrNotFound)
	}
	return nil
}

func (tx *dbTx) ListAttemptsOfSession(sessionID int64) ([]model.Attempt, error) {
	var rows []attemptRow
	err := tx.db.Where("session_id = ?", sessionID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list attempts of session %d: %w", sessionID, err)
	}
	return rowsToAttempts(rows)
}

func (tx *dbTx) InsertTask(t model.Task) (model.Task, error) {
	var n int64
	if err := tx.db.Model(&attemptRow{}).Where("id = ?", t.AttemptID).Count(&n).Error; err != nil {
		return model.Task{}, fmt.Errorf("check attempt %d: %w", t.AttemptID, err)
	}
	if n == 0 {
		return model.Task{}, fmt.Errorf("attempt %d: %w", t.AttemptID, repo.ErrNotFound)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	row := taskToRow(t)
	row.ID = 0
	if err := tx.db.Create(&row).Error; err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", translateErr(err))
	}
	return rowToTask(row)
}

func (tx *dbTx) GetTask(id int64) (model.Task, error) {
	var row taskRow
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, id).Error
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", id, translateErr(err))
	}
	return rowToTask(row)
}

func (tx *dbTx) UpdateTask(t model.Task) error {
	t.UpdatedAt = time.Now().UTC()
	row := taskToRow(t)
	res := tx.db.Model(&taskRow{}).Where("id = ?", t.ID).
		Select("*").Omit("id", "created_at").Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("update task %d: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", t.ID, repo.ErrNotFound)
	}
	return nil
}

func (tx *dbTx) TransitionTaskState(id int64, from, to model.TaskState, mutate func(*model.Task)) (bool, error) {
	cur, err := tx.GetTask(id)
	if err != nil {
		return false, err
	}
	if cur.State != from {
		return false, nil
	}
	if err := model.ValidateTaskTransition(from, to); err != nil {
		return false, err
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	if err := tx.UpdateTask(next); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *dbTx) CountTasks(attemptID int64) (int, error) {
	var n int64
	err := tx.db.Model(&taskRow{}).Where("attempt_id = ?", attemptID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count tasks of attempt %d: %w", attemptID, err)
	}
	return int(n), nil
}

func (tx *dbTx) ListTasksOfAttempt(attemptID int64) ([]model.Task, error) {
	var rows []taskRow
	err := tx.db.Where("attempt_id = ?", attemptID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks of attempt %d: %w", attemptID, err)
	}
	return rowsToTasks(rows)
}

func (tx *dbTx) ListChildren(parentID int64) ([]model.Task, error) {
	var rows []taskRow
	err := tx.db.Where("parent_id = ?", parentID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list children of task %d: %w", parentID, err)
	}
	return rowsToTasks(rows)
}

func (tx *dbTx) TaskRelations(attemptID int64) ([]model.TaskRelation, error) {
	tasks, err := tx.ListTasksOfAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	out := make([]model.TaskRelation, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Relation())
	}
	return out, nil
}

func (tx *dbTx) ArchiveAttempt(attemptID int64, success bool, finishedAt time.Time) error {
	var att attemptRow
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&att, attemptID).Error
	if err != nil {
		return fmt.Errorf("attempt %d: %w", attemptID, translateErr(err))
	}
	if att.Done {
		return fmt.Errorf("attempt %d is already archived: %w", attemptID, repo.ErrConflict)
	}

	var rows []taskRow
	if err := tx.db.Where("attempt_id = ?", attemptID).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("load tasks of attempt %d: %w", attemptID, err)
	}
	if len(rows) > 0 {
		archived := make([]archivedTaskRow, 0, len(rows))
		for _, r := range rows {
			archived = append(archived, archivedTaskRow(r))
		}
		if err := tx.db.CreateInBatches(archived, 100).Error; err != nil {
			return fmt.Errorf("archive tasks of attempt %d: %w", attemptID, err)
		}
		if err := tx.db.Where("attempt_id = ?", attemptID).Delete(&taskRow{}).Error; err != nil {
			return fmt.Errorf("delete live tasks of attempt %d: %w", attemptID, err)
		}
	}

	updates := map[string]any{
		"done":        true,
		"success":     success,
		"finished_at": finishedAt,
	}
	if err := tx.db.Model(&attemptRow{}).Where("id = ?", attemptID).Updates(updates).Error; err != nil {
		return fmt.Errorf("mark attempt %d done: %w", attemptID, err)
	}
	return nil
}
