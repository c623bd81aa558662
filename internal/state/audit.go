package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoPass is returned when a pass record does not exist.
var ErrNoPass = errors.New("pass not found")

// DiffOutcome is what happened to one review branch's diff.
type DiffOutcome string

const (
	DiffUploaded DiffOutcome = "uploaded"
	DiffNoChange DiffOutcome = "no_diff"
	DiffTooLarge DiffOutcome = "too_large"
	DiffFailed   DiffOutcome = "error"
)

// DiffRecord is one audit row for a diff produced for a review branch.
// Reductions holds the ordered techniques as JSON.
type DiffRecord struct {
	ID                string          `json:"id"`
	PassID            string          `json:"pass_id,omitempty"`
	Repo              string          `json:"repo"`
	Branch            string          `json:"branch"`
	Base              string          `json:"base"`
	Head              string          `json:"head"`
	Outcome           DiffOutcome     `json:"outcome"`
	Size              int             `json:"size"`
	FullSize          int             `json:"full_size"`
	MaxSize           int             `json:"max_size"`
	Reductions        json.RawMessage `json:"reductions"`
	DidReplaceInvalid bool            `json:"did_replace_invalid"`
	DiffID            string          `json:"diff_id,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// PassRecord is one audit row for a scheduler pass.
type PassRecord struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Failed     []string  `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// RecordDiff appends rec to the diff log, assigning an ID and timestamp
// when missing.
func (s *Store) RecordDiff(ctx context.Context, rec DiffRecord) (DiffRecord, error) {
	if err := ctx.Err(); err != nil {
		return DiffRecord{}, err
	}
	if strings.TrimSpace(rec.Repo) == "" || strings.TrimSpace(rec.Branch) == "" {
		return DiffRecord{}, fmt.Errorf("diff record needs repo and branch")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if len(rec.Reductions) == 0 {
		rec.Reductions = json.RawMessage(`[]`)
	}
	if !json.Valid(rec.Reductions) {
		return DiffRecord{}, fmt.Errorf("diff record reductions are invalid JSON")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO diff_log(id, pass_id, repo, branch, base, head, outcome, size, full_size, max_size,
  reductions, did_replace_invalid, diff_id, last_error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.PassID, rec.Repo, rec.Branch, rec.Base, rec.Head, string(rec.Outcome),
		rec.Size, rec.FullSize, rec.MaxSize, string(rec.Reductions), rec.DidReplaceInvalid,
		rec.DiffID, rec.Error, rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return DiffRecord{}, fmt.Errorf("insert diff record: %w", err)
	}
	return rec, nil
}

// RecentDiffs returns up to limit diff records, newest first. An empty
// repo matches every repository.
func (s *Store) RecentDiffs(ctx context.Context, repo string, limit int) ([]DiffRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pass_id, repo, branch, base, head, outcome, size, full_size, max_size,
  reductions, did_replace_invalid, diff_id, last_error, created_at
FROM diff_log
WHERE ? = '' OR repo = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, repo, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("query diff log: %w", err)
	}
	defer rows.Close()

	var out []DiffRecord
	for rows.Next() {
		rec, err := scanDiffRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diff log rows: %w", err)
	}
	return out, nil
}

// RecordPass appends rec to the pass log.
func (s *Store) RecordPass(ctx context.Context, rec PassRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("pass record id is empty")
	}
	failed := rec.Failed
	if failed == nil {
		failed = []string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal failed operations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO pass_log(id, status, started_at, finished_at, failed, last_error)
VALUES(?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Status, rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout), string(failedJSON), rec.Error)
	if err != nil {
		return fmt.Errorf("insert pass record: %w", err)
	}
	return nil
}

// RecentPasses returns up to limit pass records, newest first.
func (s *Store) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status, started_at, finished_at, failed, last_error
FROM pass_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pass log: %w", err)
	}
	defer rows.Close()

	var out []PassRecord
	for rows.Next() {
		rec, err := scanPassRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pass log rows: %w", err)
	}
	return out, nil
}

// Pass returns one pass record. An empty id selects the newest pass.
func (s *Store) Pass(ctx context.Context, id string) (PassRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, started_at, finished_at, failed, last_error
FROM pass_log
WHERE ? = '' OR id = ?
ORDER BY started_at DESC, rowid DESC
LIMIT 1;
`, id, id)
	rec, err := scanPassRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		if id == "" {
			return PassRecord{}, ErrNoPass
		}
		return PassRecord{}, fmt.Errorf("%w: %s", ErrNoPass, id)
	}
	return rec, err
}

// DiffsForPass returns the diff records written during one pass, oldest
// first.
func (s *Store) DiffsForPass(ctx context.Context, passID string) ([]DiffRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pass_id, repo, branch, base, head, outcome, size, full_size, max_size,
  reductions, did_replace_invalid, diff_id, last_error, created_at
FROM diff_log
WHERE pass_id = ?
ORDER BY created_at ASC, rowid ASC;
`, passID)
	if err != nil {
		return nil, fmt.Errorf("query diff log: %w", err)
	}
	defer rows.Close()

	var out []DiffRecord
	for rows.Next() {
		rec, err := scanDiffRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diff log rows: %w", err)
	}
	return out, nil
}

func scanPassRecord(row rowScanner) (PassRecord, error) {
	var (
		rec                  PassRecord
		startedS, finishedS  string
		failedJSON, lastErrS string
	)
	if err := row.Scan(&rec.ID, &rec.Status, &startedS, &finishedS, &failedJSON, &lastErrS); err != nil {
		return PassRecord{}, err
	}
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedS); err != nil {
		return PassRecord{}, fmt.Errorf("parse pass_log.started_at: %w", err)
	}
	if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedS); err != nil {
		return PassRecord{}, fmt.Errorf("parse pass_log.finished_at: %w", err)
	}
	if err := json.Unmarshal([]byte(failedJSON), &rec.Failed); err != nil {
		return PassRecord{}, fmt.Errorf("decode pass_log.failed: %w", err)
	}
	rec.Error = lastErrS
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiffRecord(row rowScanner) (DiffRecord, error) {
	var (
		rec                       DiffRecord
		passID, diffID, lastError string
		outcome, reductions, when string
		didReplace                bool
	)
	if err := row.Scan(
		&rec.ID,
		&passID,
		&rec.Repo,
		&rec.Branch,
		&rec.Base,
		&rec.Head,
		&outcome,
		&rec.Size,
		&rec.FullSize,
		&rec.MaxSize,
		&reductions,
		&didReplace,
		&diffID,
		&lastError,
		&when,
	); err != nil {
		return DiffRecord{}, err
	}
	if !json.Valid([]byte(reductions)) {
		return DiffRecord{}, fmt.Errorf("stored reductions are invalid JSON for diff=%q", rec.ID)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, when)
	if err != nil {
		return DiffRecord{}, fmt.Errorf("parse diff_log.created_at: %w", err)
	}
	rec.PassID = passID
	rec.Outcome = DiffOutcome(outcome)
	rec.Reductions = json.RawMessage(reductions)
	rec.DidReplaceInvalid = didReplace
	rec.DiffID = diffID
	rec.Error = lastError
	rec.CreatedAt = createdAt
	return rec, nil
}
