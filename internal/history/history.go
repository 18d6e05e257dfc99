// Package history persists deployment results in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
)

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	sectionCloud     = "cloud"
	sectionContainer = "container"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	failures INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS deployment_outcomes (
	deployment_id TEXT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	section TEXT NOT NULL,
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	backend TEXT NOT NULL,
	unit_json TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	warnings_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (deployment_id, section, idx)
)`,
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable history foreign keys: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize history schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a deployment result and its outcomes in one transaction.
func (s *Store) Record(ctx context.Context, res model.DeploymentResult) error {
	if res.ID == "" {
		return fault.New(fault.Validation, "history.record", "deployment id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deployments (id, status, message, failures, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.Status, res.Message, res.Failures(),
		res.StartedAt.UTC().Format(timeLayout), res.FinishedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert deployment %s: %w", res.ID, err)
	}

	insert := func(section string, outcomes []model.Outcome) error {
		for _, o := range outcomes {
			unitJSON := ""
			if o.Unit != nil {
				payload, err := json.Marshal(o.Unit)
				if err != nil {
					return fmt.Errorf("marshal unit: %w", err)
				}
				unitJSON = string(payload)
			}
			warnings := o.Warnings
			if warnings == nil {
				warnings = []string{}
			}
			warningsJSON, err := json.Marshal(warnings)
			if err != nil {
				return fmt.Errorf("marshal warnings: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO deployment_outcomes (deployment_id, section, idx, name, backend, unit_json, error, error_kind, warnings_json)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				res.ID, section, o.Index, o.Name, string(o.Backend), unitJSON, o.Error, o.ErrorKind, string(warningsJSON),
			); err != nil {
				return fmt.Errorf("insert outcome %s/%d: %w", section, o.Index, err)
			}
		}
		return nil
	}
	if err := insert(sectionCloud, res.Cloud); err != nil {
		return err
	}
	if err := insert(sectionContainer, res.Containers); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns the most recent deployments first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]model.DeploymentResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, message, started_at, finished_at FROM deployments ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeploymentResult, 0)
	for rows.Next() {
		var res model.DeploymentResult
		var started, finished string
		if err := rows.Scan(&res.ID, &res.Status, &res.Message, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan deployment row: %w", err)
		}
		res.StartedAt, _ = time.Parse(timeLayout, started)
		res.FinishedAt, _ = time.Parse(timeLayout, finished)
		res.Cloud = []model.Outcome{}
		res.Containers = []model.Outcome{}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment rows: %w", err)
	}
	rows.Close()

	for i := range out {
		if err := s.loadOutcomes(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns one deployment by id.
func (s *Store) Get(ctx context.Context, id string) (model.DeploymentResult, error) {
	var res model.DeploymentResult
	var started, finished string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, message, started_at, finished_at FROM deployments WHERE id = ?`, id,
	).Scan(&res.ID, &res.Status, &res.Message, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DeploymentResult{}, fault.New(fault.NotFound, "history.get", "deployment %s not found", id)
		}
		return model.DeploymentResult{}, fmt.Errorf("query deployment %s: %w", id, err)
	}
	res.StartedAt, _ = time.Parse(timeLayout, started)
	res.FinishedAt, _ = time.Parse(timeLayout, finished)
	res.Cloud = []model.Outcome{}
	res.Containers = []model.Outcome{}
	if err := s.loadOutcomes(ctx, &res); err != nil {
		return model.DeploymentResult{}, err
	}
	return res, nil
}

func (s *Store) loadOutcomes(ctx context.Context, res *model.DeploymentResult) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, idx, name, backend, unit_json, error, error_kind, warnings_json
		 FROM deployment_outcomes WHERE deployment_id = ? ORDER BY section, idx`, res.ID)
	if err != nil {
		return fmt.Errorf("list outcomes for %s: %w", res.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var o model.Outcome
		var section, backend, unitJSON, warningsJSON string
		if err := rows.Scan(&section, &o.Index, &o.Name, &backend, &unitJSON, &o.Error, &o.ErrorKind, &warningsJSON); err != nil {
			return fmt.Errorf("scan outcome row: %w", err)
		}
		o.Backend = model.BackendKind(backend)
		if unitJSON != "" {
			var u model.ManagedUnit
			if err := json.Unmarshal([]byte(unitJSON), &u); err != nil {
				return fmt.Errorf("unmarshal unit for %s: %w", res.ID, err)
			}
			o.Unit = &u
		}
		if err := json.Unmarshal([]byte(warningsJSON), &o.Warnings); err != nil {
			return fmt.Errorf("unmarshal warnings for %s: %w", res.ID, err)
		}
		if len(o.Warnings) == 0 {
			o.Warnings = nil
		}
		switch section {
		case sectionCloud:
			res.Cloud = append(res.Cloud, o)
		case sectionContainer:
			res.Containers = append(res.Containers, o)
		}
	}
	return rows.Err()
}
