package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PluginRun is one recorded plugin execution.
type PluginRun struct {
	PluginID string
	Success  bool
	ExitCode int
	Output   string
	Error    string
	Duration time.Duration
	RanAt    time.Time
}

// AlertFiring is one recorded alert delivery. Failed lists the channels
// whose notifier returned an error.
type AlertFiring struct {
	AlertID  string
	Name     string
	Message  string
	Channels []string
	Failed   []string
	FiredAt  time.Time
}

// TaskRun is one recorded convergence loop.
type TaskRun struct {
	RunID      string
	Task       string
	FinalTask  string
	Iterations int
	Outcome    string
	Reply      string
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
}

const maxStoredOutput = 8 * 1024

func clip(s string) string {
	if len(s) <= maxStoredOutput {
		return s
	}
	return s[:maxStoredOutput]
}

func (s *Store) RecordPluginRun(ctx context.Context, run PluginRun) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugin_runs (plugin_id, success, exit_code, output, error, duration_ms, ran_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, run.PluginID, boolInt(run.Success), run.ExitCode, clip(run.Output), run.Error,
			run.Duration.Milliseconds(), run.RanAt.UTC())
		if err != nil {
			return fmt.Errorf("insert plugin run: %w", err)
		}
		return nil
	})
}

// ListPluginRuns returns the newest runs first. An empty pluginID lists all plugins.
func (s *Store) ListPluginRuns(ctx context.Context, pluginID string, limit int) ([]PluginRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT plugin_id, success, exit_code, output, error, duration_ms, ran_at FROM plugin_runs`
	args := []any{}
	if pluginID != "" {
		q += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	q += ` ORDER BY ran_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list plugin runs: %w", err)
	}
	defer rows.Close()

	var out []PluginRun
	for rows.Next() {
		var (
			run     PluginRun
			success int
			ms      int64
		)
		if err := rows.Scan(&run.PluginID, &success, &run.ExitCode, &run.Output, &run.Error, &ms, &run.RanAt); err != nil {
			return nil, fmt.Errorf("scan plugin run: %w", err)
		}
		run.Success = success == 1
		run.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) RecordAlertFiring(ctx context.Context, f AlertFiring) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO alert_firings (alert_id, name, message, channels, failed, fired_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, f.AlertID, f.Name, f.Message, strings.Join(f.Channels, ","), strings.Join(f.Failed, ","), f.FiredAt.UTC())
		if err != nil {
			return fmt.Errorf("insert alert firing: %w", err)
		}
		return nil
	})
}

func (s *Store) ListAlertFirings(ctx context.Context, limit int) ([]AlertFiring, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, name, message, channels, failed, fired_at
		FROM alert_firings ORDER BY fired_at DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert firings: %w", err)
	}
	defer rows.Close()

	var out []AlertFiring
	for rows.Next() {
		var (
			f                AlertFiring
			channels, failed string
		)
		if err := rows.Scan(&f.AlertID, &f.Name, &f.Message, &channels, &failed, &f.FiredAt); err != nil {
			return nil, fmt.Errorf("scan alert firing: %w", err)
		}
		f.Channels = splitList(channels)
		f.Failed = splitList(failed)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) RecordTaskRun(ctx context.Context, run TaskRun) error {
	if run.RunID == "" {
		return errors.New("task run id is required")
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO task_runs
				(run_id, task, final_task, iterations, outcome, reply, error, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.RunID, run.Task, run.FinalTask, run.Iterations, run.Outcome, clip(run.Reply), run.Error,
			run.StartedAt.UTC(), run.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert task run: %w", err)
		}
		return nil
	})
}

func (s *Store) ListTaskRuns(ctx context.Context, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task, final_task, iterations, outcome, reply, error, started_at, duration_ms
		FROM task_runs ORDER BY started_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var (
			run TaskRun
			ms  int64
		)
		if err := rows.Scan(&run.RunID, &run.Task, &run.FinalTask, &run.Iterations, &run.Outcome,
			&run.Reply, &run.Error, &run.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		run.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, run)
	}
	return out, rows.Err()
}

// RecordScheduleFire stores the last fire time of a cron schedule so a
// restart does not fire it again within the same slot.
func (s *Store) RecordScheduleFire(ctx context.Context, scheduleID string, at time.Time) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedule_fires (schedule_id, last_fired_at, fire_count)
			VALUES (?, ?, 1)
			ON CONFLICT(schedule_id) DO UPDATE SET
				last_fired_at = excluded.last_fired_at,
				fire_count = fire_count + 1;
		`, scheduleID, at.UTC())
		if err != nil {
			return fmt.Errorf("record schedule fire: %w", err)
		}
		return nil
	})
}

// LastScheduleFire reports the last recorded fire time; ok is false when
// the schedule has never fired.
func (s *Store) LastScheduleFire(ctx context.Context, scheduleID string) (at time.Time, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT last_fired_at FROM schedule_fires WHERE schedule_id = ?;`, scheduleID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last schedule fire: %w", err)
	}
	return at, true, nil
}

// Prune deletes plugin runs, alert firings and task runs older than the
// cutoff. Schedule fire markers are never pruned.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	queries := []string{
		`DELETE FROM plugin_runs WHERE ran_at < ?;`,
		`DELETE FROM alert_firings WHERE fired_at < ?;`,
		`DELETE FROM task_runs WHERE started_at < ?;`,
	}
	for _, q := range queries {
		err := retryOnBusy(ctx, 3, func() error {
			res, err := s.db.ExecContext(ctx, q, before.UTC())
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("prune history: %w", err)
		}
	}
	return total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
