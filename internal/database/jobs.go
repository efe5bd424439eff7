package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iabetor/narrator/internal/session"
	"github.com/iabetor/narrator/internal/timeline"
)

// JobStatus 任务状态。
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ErrJobNotFound 任务不存在。
var ErrJobNotFound = errors.New("任务不存在")

// JobRecord 数据库中的任务进度。
type JobRecord struct {
	ID             string
	Engine         string
	Variant        string
	Language       string
	Device         string
	Voice          string
	CustomModel    string
	OutputDir      string
	CueFile        string
	Status         JobStatus
	Position       int
	ResumeIndex    int
	CumulativeTime float64
	Converted      int
	Skipped        int
	Error          string
}

// Progress 一次进度更新。
type Progress struct {
	Position       int
	ResumeIndex    int
	CumulativeTime float64
	Converted      int
	Skipped        int
}

func voiceText(v session.Voice) string {
	switch v.Kind {
	case session.VoiceClip:
		return v.Path
	case session.VoiceStyle:
		return "style:" + v.ID
	}
	return v.ID
}

// CreateJob 登记新任务；任务已存在时保留原有进度，只把状态改为 running。
func (db *DB) CreateJob(ctx context.Context, job *session.Job) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, engine, variant, language, device, voice, custom_model, output_dir, cue_file, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP`,
		job.ID, job.Engine, job.Variant, job.Language, job.Device, voiceText(job.Voice),
		job.CustomModel, job.OutputDir, job.CueFileName(), string(JobRunning))
	if err != nil {
		return fmt.Errorf("[database] 登记任务 %s 失败: %w", job.ID, err)
	}
	return nil
}

// UpdateProgress 保存任务进度。
func (db *DB) UpdateProgress(ctx context.Context, id string, p Progress) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET position = ?, resume_index = ?, cumulative_time = ?, converted = ?, skipped = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		p.Position, p.ResumeIndex, p.CumulativeTime, p.Converted, p.Skipped, id)
	if err != nil {
		return fmt.Errorf("[database] 更新任务 %s 进度失败: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("[database] %w: %s", ErrJobNotFound, id)
	}
	return nil
}

// FinishJob 记录任务的最终状态。
func (db *DB) FinishJob(ctx context.Context, id string, status JobStatus, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("[database] 更新任务 %s 状态失败: %w", id, err)
	}
	return nil
}

// GetJob 读取任务进度。
func (db *DB) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, engine, variant, language, device, voice, custom_model, output_dir, cue_file,
			status, position, resume_index, cumulative_time, converted, skipped, error
		FROM jobs WHERE id = ?`, id)

	var r JobRecord
	var status string
	err := row.Scan(&r.ID, &r.Engine, &r.Variant, &r.Language, &r.Device, &r.Voice, &r.CustomModel,
		&r.OutputDir, &r.CueFile, &status, &r.Position, &r.ResumeIndex, &r.CumulativeTime,
		&r.Converted, &r.Skipped, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("[database] %w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("[database] 读取任务 %s 失败: %w", id, err)
	}
	r.Status = JobStatus(status)
	return &r, nil
}

// ListJobs 按更新时间倒序列出最近的任务，limit <= 0 时不限制数量。
func (db *DB) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, engine, variant, language, device, voice, custom_model, output_dir, cue_file,
			status, position, resume_index, cumulative_time, converted, skipped, error
		FROM jobs ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("[database] 查询任务失败: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		var status string
		if err := rows.Scan(&r.ID, &r.Engine, &r.Variant, &r.Language, &r.Device, &r.Voice, &r.CustomModel,
			&r.OutputDir, &r.CueFile, &status, &r.Position, &r.ResumeIndex, &r.CumulativeTime,
			&r.Converted, &r.Skipped, &r.Error); err != nil {
			return nil, fmt.Errorf("[database] 读取任务失败: %w", err)
		}
		r.Status = JobStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteJob 删除任务及其记录。
func (db *DB) DeleteJob(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("[database] 删除任务 %s 失败: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("[database] %w: %s", ErrJobNotFound, id)
	}
	return nil
}

// CueStore 把时间轴记录镜像到 cues 表，实现 timeline.CueSink。
type CueStore struct {
	db    *DB
	jobID string
}

// Cues 返回指定任务的 CueStore。
func (db *DB) Cues(jobID string) *CueStore {
	return &CueStore{db: db, jobID: jobID}
}

// RecordCue 实现 timeline.CueSink。重复写入同一编号时覆盖。
func (s *CueStore) RecordCue(ctx context.Context, r timeline.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cues (job_id, resume_index, start_sec, end_sec, text) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, resume_index) DO UPDATE SET
			start_sec = excluded.start_sec, end_sec = excluded.end_sec, text = excluded.text`,
		s.jobID, r.ResumeIndex, r.Start, r.End, r.Text)
	if err != nil {
		return fmt.Errorf("[database] 写入记录 %s#%d 失败: %w", s.jobID, r.ResumeIndex, err)
	}
	return nil
}

// List 按编号返回任务的全部记录。
func (s *CueStore) List(ctx context.Context) ([]timeline.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resume_index, start_sec, end_sec, text FROM cues WHERE job_id = ? ORDER BY resume_index`, s.jobID)
	if err != nil {
		return nil, fmt.Errorf("[database] 查询记录失败: %w", err)
	}
	defer rows.Close()

	var out []timeline.Record
	for rows.Next() {
		var r timeline.Record
		if err := rows.Scan(&r.ResumeIndex, &r.Start, &r.End, &r.Text); err != nil {
			return nil, fmt.Errorf("[database] 读取记录失败: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
