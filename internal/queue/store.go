// Package queue implements the Job Dispatcher (spec.md §4.5): the
// atomic-claim loop against extraction_queue, and the terminal/retry
// transitions the OCR Pipeline drives (§4.2, §4.7).
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// candidateLimit is the K of spec §4.5 step 2 ("up to K (e.g. 10) rows").
const candidateLimit = 10

// envHandle pairs one environment's database connection with the
// once-per-process column-presence probe spec §9 calls for ("a capability
// probe performed once at startup, cached for the process lifetime").
type envHandle struct {
	db  *sql.DB
	env Environment

	probeOnce        sync.Once
	hasBoostedColumn atomic.Bool
}

// Store is the Job Dispatcher's handle on extraction_queue across every
// enabled environment. One *sql.DB per environment, never shared state
// mutated without a WHERE-guard (spec §5).
type Store struct {
	envs map[Environment]*envHandle
}

// Open builds a Store from one DSN per enabled environment. DSNs for
// environments not in enabled are ignored.
func Open(ctx context.Context, dsns map[Environment]string, enabled []Environment) (*Store, error) {
	s := &Store{envs: make(map[Environment]*envHandle, len(enabled))}
	for _, e := range enabled {
		dsn, ok := dsns[e]
		if !ok || dsn == "" {
			return nil, fmt.Errorf("queue: no DSN configured for enabled environment %s", e)
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("queue: opening %s: %w", e, err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("queue: pinging %s: %w", e, err)
		}
		h := &envHandle{db: db, env: e}
		s.probeBoostedColumn(ctx, h)
		s.envs[e] = h
	}
	return s, nil
}

// Close releases every environment's connection pool.
func (s *Store) Close() error {
	var firstErr error
	for _, h := range s.envs {
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ClaimNext implements the dispatcher claim loop of spec.md §4.5: for each
// enabled environment in priority order (prod, staging, dev), select up to K
// eligible candidates FIFO-by-created_at, filter to retriable ones, and
// attempt the conditional claim update in order until one succeeds.
//
// A nil, nil return means every environment was exhausted without a claim —
// this is the normal "queue momentarily empty for this mode" case, not an
// error (spec §7 kind 5: zero-rows-affected is not an error).
func (s *Store) ClaimNext(ctx context.Context, mode DocumentSource, envs []Environment, workerID string) (*Job, error) {
	for _, e := range PriorityOrder {
		if !containsEnv(envs, e) {
			continue
		}
		h, ok := s.envs[e]
		if !ok {
			continue
		}

		job, err := s.claimInEnvironment(ctx, h, mode, workerID)
		if err != nil {
			return nil, fmt.Errorf("queue: claiming in %s: %w", e, err)
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func containsEnv(envs []Environment, e Environment) bool {
	for _, x := range envs {
		if x == e {
			return true
		}
	}
	return false
}

func (s *Store) claimInEnvironment(ctx context.Context, h *envHandle, mode DocumentSource, workerID string) (*Job, error) {
	const selectQuery = `
		SELECT id, ocr_attempts, ocr_max_attempts
		FROM extraction_queue
		WHERE status_id = $1 AND document_source = $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := h.db.QueryContext(ctx, selectQuery, StatusCompleteRow, mode, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}

	type candidate struct {
		id                         string
		attempts, maxAttempts int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.attempts, &c.maxAttempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, c := range candidates {
		if c.attempts >= c.maxAttempts {
			continue // spec §4.5 step 3: filter in-memory, the store can't do attempts < max_attempts
		}

		job, claimed, err := s.tryClaim(ctx, h, c.id, workerID)
		if err != nil {
			return nil, err
		}
		if claimed {
			return job, nil
		}
		// Zero rows affected: another worker won the race. Not an error
		// (spec §7 kind 5). Try the next candidate.
	}
	return nil, nil
}

// tryClaim performs the single conditional UPDATE that is the entire
// concurrency guard of spec.md §4.5 step 4: only the worker whose UPDATE
// observes status_id still equal to COMPLETE succeeds.
func (s *Store) tryClaim(ctx context.Context, h *envHandle, id, workerID string) (*Job, bool, error) {
	const claimQuery = `
		UPDATE extraction_queue
		SET status_id = $1, ocr_worker_id = $2, ocr_started_at = now(),
		    ocr_attempts = ocr_attempts + 1, updated_at = now()
		WHERE id = $3 AND status_id = $4
		RETURNING id, document_number, document_source, supabase_path, status_id,
		          ocr_worker_id, ocr_started_at, ocr_completed_at, ocr_attempts,
		          ocr_max_attempts, ocr_error, ocr_last_error_at, file_content,
		          boosted_file_content, created_at, updated_at`

	row := h.db.QueryRowContext(ctx, claimQuery, StatusOCRProcessing, workerID, id, StatusCompleteRow)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claiming row %s: %w", id, err)
	}
	job.Environment = h.env
	return job, true, nil
}

// Finish applies the terminal/retry transition of spec.md §4.2's "Failure
// handling" and "Persist" steps. On success it writes both content columns,
// falling back to file_content only if boosted_file_content is absent from a
// legacy schema (§4.2 step 7, §7 kind 7). On failure it decides COMPLETE
// (re-queued) vs ERREUR from the job's own attempt counters (§4.2, §8
// boundary: attempts == max-1 failing this attempt must end in ERREUR).
func (s *Store) Finish(ctx context.Context, env Environment, job *Job, outcome Outcome) error {
	h, ok := s.envs[env]
	if !ok {
		return fmt.Errorf("queue: no handle for environment %s", env)
	}

	if outcome.Success {
		return s.finishSuccess(ctx, h, job, outcome)
	}
	return s.finishFailure(ctx, h, job, outcome)
}

func (s *Store) finishSuccess(ctx context.Context, h *envHandle, job *Job, outcome Outcome) error {
	s.probeBoostedColumn(ctx, h)

	if h.hasBoostedColumn.Load() {
		const q = `
			UPDATE extraction_queue
			SET status_id = $1, file_content = $2, boosted_file_content = $3,
			    ocr_completed_at = now(), ocr_error = NULL, updated_at = now()
			WHERE id = $4`
		_, err := h.db.ExecContext(ctx, q, StatusExtractionComplete, outcome.FileContent, outcome.BoostedFileContent, job.ID)
		if err == nil {
			return nil
		}
		if !isMissingColumn(err) {
			return fmt.Errorf("finishing %s: %w", job.ID, err)
		}
		// Column vanished under us (race with a migration, or a stale probe) —
		// remember it and fall through to the legacy path, per spec §4.2 step 7.
		h.hasBoostedColumn.Store(false)
	}

	const legacyQuery = `
		UPDATE extraction_queue
		SET status_id = $1, file_content = $2,
		    ocr_completed_at = now(), ocr_error = NULL, updated_at = now()
		WHERE id = $3`
	if _, err := h.db.ExecContext(ctx, legacyQuery, StatusExtractionComplete, outcome.FileContent, job.ID); err != nil {
		return fmt.Errorf("finishing %s (legacy schema): %w", job.ID, err)
	}
	return nil
}

func (s *Store) finishFailure(ctx context.Context, h *envHandle, job *Job, outcome Outcome) error {
	errText := "OCR processing failed: unknown error"
	if outcome.Err != nil {
		errText = fmt.Sprintf("OCR processing failed: %v", outcome.Err)
	}

	status := StatusCompleteRow // recoverable: re-queued, attempts remain
	if job.OCRAttempts >= job.OCRMaxAttempts {
		status = StatusErreur // attempts exhausted — terminal (spec §8 boundary behaviour)
	}

	const q = `
		UPDATE extraction_queue
		SET status_id = $1, ocr_error = $2, ocr_last_error_at = now(), updated_at = now()
		WHERE id = $3`
	if _, err := h.db.ExecContext(ctx, q, status, errText, job.ID); err != nil {
		// Retried once in-process per spec §7 kind 6; if still failing the row
		// is left in OCR_PROCESSING for the Stale-Job Monitor to recover.
		if _, retryErr := h.db.ExecContext(ctx, q, status, errText, job.ID); retryErr != nil {
			return fmt.Errorf("finishing failed job %s (left for stale monitor): %w", job.ID, retryErr)
		}
	}
	return nil
}

func (s *Store) probeBoostedColumn(ctx context.Context, h *envHandle) {
	h.probeOnce.Do(func() {
		_, err := h.db.ExecContext(ctx, `SELECT boosted_file_content FROM extraction_queue LIMIT 0`)
		h.hasBoostedColumn.Store(err == nil || !isMissingColumn(err))
	})
}

func isMissingColumn(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUndefinedColumnSQLState
	}
	return errors.Is(err, ErrMissingColumn)
}

// ResetStale implements the Stale-Job Monitor sweep of spec.md §4.7: any row
// stuck in OCR_PROCESSING whose ocr_started_at is strictly older than
// threshold is reset to COMPLETE for retry. Attempts are never decremented;
// ocr_completed_at is never touched.
func (s *Store) ResetStale(ctx context.Context, env Environment, threshold time.Duration) (int64, error) {
	h, ok := s.envs[env]
	if !ok {
		return 0, fmt.Errorf("queue: no handle for environment %s", env)
	}

	const q = `
		UPDATE extraction_queue
		SET status_id = $1, ocr_worker_id = NULL, ocr_error = $2,
		    ocr_last_error_at = now(), updated_at = now()
		WHERE status_id = $3 AND ocr_started_at < now() - $4::interval`

	res, err := h.db.ExecContext(ctx, q, StatusCompleteRow, "Reset by stale OCR monitor", StatusOCRProcessing, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		if isMissingColumn(err) {
			// Legacy schema missing a column the sweep references: skip this
			// environment without error (spec §4.7, §7 kind 7). Nothing is
			// logged for the skip, here or in the caller.
			return 0, nil
		}
		return 0, fmt.Errorf("resetting stale jobs in %s: %w", env, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PendingCounts is the per-type pending count the Pool Manager's analysis
// step needs (spec §4.6 step 1), summed across every environment in envs.
type PendingCounts struct {
	IndexCount int
	ActeCount  int
}

// CountPendingByType counts COMPLETE rows by document_source across the
// given environments. Only index and acte are tracked for pool allocation;
// plan_cadastraux is outside OCR scope (spec §4.2 "Non-goals").
func (s *Store) CountPendingByType(ctx context.Context, envs []Environment) (PendingCounts, error) {
	var totals PendingCounts
	const q = `
		SELECT document_source, count(*)
		FROM extraction_queue
		WHERE status_id = $1 AND document_source IN ($2, $3)
		GROUP BY document_source`

	for _, e := range envs {
		h, ok := s.envs[e]
		if !ok {
			continue
		}
		rows, err := h.db.QueryContext(ctx, q, StatusCompleteRow, Index, Acte)
		if err != nil {
			return PendingCounts{}, fmt.Errorf("counting pending in %s: %w", e, err)
		}
		for rows.Next() {
			var src string
			var n int
			if err := rows.Scan(&src, &n); err != nil {
				rows.Close()
				return PendingCounts{}, err
			}
			switch DocumentSource(src) {
			case Index:
				totals.IndexCount += n
			case Acte:
				totals.ActeCount += n
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return PendingCounts{}, err
		}
		rows.Close()
	}
	return totals, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting scanJob
// serve both the claim's QueryRowContext path and any future batch-read path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j              Job
		documentSource string
		statusID       int
	)
	err := r.Scan(
		&j.ID, &j.DocumentNumber, &documentSource, &j.SupabasePath, &statusID,
		&j.OCRWorkerID, &j.OCRStartedAt, &j.OCRCompletedAt, &j.OCRAttempts,
		&j.OCRMaxAttempts, &j.OCRError, &j.OCRLastErrorAt, &j.FileContent,
		&j.BoostedFileContent, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	src, err := ParseDocumentSource(documentSource)
	if err != nil {
		return nil, err
	}
	j.DocumentSource = src
	j.StatusID = Status(statusID)
	return &j, nil
}
