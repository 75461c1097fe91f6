// Package sqlitedb is the relational task store backend, for when the task list should be queryable with SQL tools.
package sqlitedb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Database struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

var _ store.Backend = (*Database)(nil)

// New opens (creating if necessary) the database at path and brings its schema up to date.
func New(path string) (*Database, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer at a time keeps sqlite from returning SQLITE_BUSY under the store's flush
	db.SetMaxOpenConns(1)
	d := &Database{db: db, log: zap.S().Named("sqlitedb")}
	if err := d.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) Migrate() error {
	d.log.Debug("running database migrations")
	fs, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(d.db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", fs, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch err {
	case nil:
		d.log.Info("database migration complete")
	case migrate.ErrNoChange:
		d.log.Debug("no database migration required")
	default:
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

type fileTaskRow struct {
	ID             string    `db:"id"`
	URL            string    `db:"url"`
	FileName       string    `db:"file_name"`
	CreatedAt      time.Time `db:"created_at"`
	Status         string    `db:"status"`
	Progress       float64   `db:"progress"`
	BytesWritten   int64     `db:"bytes_written"`
	BytesTotal     int64     `db:"bytes_total"`
	Error          string    `db:"error"`
	ResumeTokenRef string    `db:"resume_token_ref"`
	OutputPath     string    `db:"output_path"`
}

type segmentedTaskRow struct {
	ID         string    `db:"id"`
	URL        string    `db:"url"`
	FileName   string    `db:"file_name"`
	CreatedAt  time.Time `db:"created_at"`
	Status     string    `db:"status"`
	Error      string    `db:"error"`
	OutputPath string    `db:"output_path"`
}

type segmentRow struct {
	TaskID   string  `db:"task_id"`
	Index    int     `db:"idx"`
	URL      string  `db:"url"`
	Duration float64 `db:"duration"`
	State    string  `db:"state"`
	Retries  int     `db:"retries"`
}

func (d *Database) ListFileTasks() ([]*model.FileTask, error) {
	var rows []fileTaskRow
	if err := d.db.Select(&rows, `SELECT * FROM file_task ORDER BY created_at`); err != nil {
		return nil, err
	}
	tasks := make([]*model.FileTask, len(rows))
	for i, r := range rows {
		tasks[i] = &model.FileTask{
			ID:             model.TaskID(r.ID),
			URL:            r.URL,
			FileName:       r.FileName,
			CreatedAt:      r.CreatedAt,
			Status:         model.FileStatus(r.Status),
			Progress:       r.Progress,
			BytesWritten:   r.BytesWritten,
			BytesTotal:     r.BytesTotal,
			Error:          r.Error,
			ResumeTokenRef: r.ResumeTokenRef,
			OutputPath:     r.OutputPath,
		}
	}
	return tasks, nil
}

func (d *Database) ListSegmentedTasks() ([]*model.SegmentedTask, error) {
	var rows []segmentedTaskRow
	if err := d.db.Select(&rows, `SELECT * FROM segmented_task ORDER BY created_at`); err != nil {
		return nil, err
	}
	var segments []segmentRow
	if err := d.db.Select(&segments, `SELECT * FROM segment ORDER BY task_id, idx`); err != nil {
		return nil, err
	}
	byTask := make(map[string][]model.Segment)
	for _, s := range segments {
		byTask[s.TaskID] = append(byTask[s.TaskID], model.Segment{
			SegmentDescriptor: model.SegmentDescriptor{Index: s.Index, URL: s.URL, Duration: s.Duration},
			State:             model.SegmentState(s.State),
			Retries:           s.Retries,
		})
	}
	tasks := make([]*model.SegmentedTask, len(rows))
	for i, r := range rows {
		tasks[i] = &model.SegmentedTask{
			ID:         model.TaskID(r.ID),
			URL:        r.URL,
			FileName:   r.FileName,
			CreatedAt:  r.CreatedAt,
			Status:     model.SegmentedStatus(r.Status),
			Segments:   byTask[r.ID],
			Error:      r.Error,
			OutputPath: r.OutputPath,
		}
	}
	return tasks, nil
}

func (d *Database) WriteFileTask(t *model.FileTask) error {
	row := fileTaskRow{
		ID:             string(t.ID),
		URL:            t.URL,
		FileName:       t.FileName,
		CreatedAt:      t.CreatedAt,
		Status:         string(t.Status),
		Progress:       t.Progress,
		BytesWritten:   t.BytesWritten,
		BytesTotal:     t.BytesTotal,
		Error:          t.Error,
		ResumeTokenRef: t.ResumeTokenRef,
		OutputPath:     t.OutputPath,
	}
	_, err := d.db.NamedExec(`INSERT OR REPLACE INTO file_task
		(id, url, file_name, created_at, status, progress, bytes_written, bytes_total, error, resume_token_ref, output_path)
		VALUES (:id, :url, :file_name, :created_at, :status, :progress, :bytes_written, :bytes_total, :error, :resume_token_ref, :output_path)`,
		row)
	return err
}

// WriteSegmentedTask replaces the task row and its whole segment list in one transaction.
func (d *Database) WriteSegmentedTask(t *model.SegmentedTask) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	row := segmentedTaskRow{
		ID:         string(t.ID),
		URL:        t.URL,
		FileName:   t.FileName,
		CreatedAt:  t.CreatedAt,
		Status:     string(t.Status),
		Error:      t.Error,
		OutputPath: t.OutputPath,
	}
	// Not INSERT OR REPLACE: that deletes the old row, which would cascade to the segments mid-transaction
	if _, err := tx.NamedExec(`INSERT INTO segmented_task (id, url, file_name, created_at, status, error, output_path)
		VALUES (:id, :url, :file_name, :created_at, :status, :error, :output_path)
		ON CONFLICT (id) DO UPDATE SET url = excluded.url, file_name = excluded.file_name, status = excluded.status,
			error = excluded.error, output_path = excluded.output_path`, row); err != nil {
		return fmt.Errorf("failed to write task: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM segment WHERE task_id = ?`, row.ID); err != nil {
		return fmt.Errorf("failed to clear segments: %w", err)
	}
	for _, s := range t.Segments {
		if _, err := tx.NamedExec(`INSERT INTO segment (task_id, idx, url, duration, state, retries)
			VALUES (:task_id, :idx, :url, :duration, :state, :retries)`, segmentRow{
			TaskID:   row.ID,
			Index:    s.Index,
			URL:      s.URL,
			Duration: s.Duration,
			State:    string(s.State),
			Retries:  s.Retries,
		}); err != nil {
			return fmt.Errorf("failed to write segment %d: %w", s.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (d *Database) DeleteTask(id model.TaskID) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM file_task WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete file task: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM segment WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM segmented_task WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete segmented task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (d *Database) ReadToken(ref string) ([]byte, error) {
	var data []byte
	if err := d.db.Get(&data, `SELECT data FROM resume_token WHERE ref = ?`, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTokenNotFound
		}
		return nil, err
	}
	return data, nil
}

func (d *Database) WriteToken(ref string, data []byte) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO resume_token (ref, data) VALUES (?, ?)`, ref, data)
	return err
}

func (d *Database) DeleteToken(ref string) error {
	_, err := d.db.Exec(`DELETE FROM resume_token WHERE ref = ?`, ref)
	return err
}
