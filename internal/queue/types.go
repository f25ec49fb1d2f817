package queue

import (
	"fmt"
	"time"
)

// Status is the closed set of status_id values the core cares about
// (spec.md §3). Every other status_id value that might exist in the table is
// irrelevant to this package and is never selected.
type Status int

const (
	StatusErreur             Status = 4
	StatusCompleteRow        Status = 3
	StatusExtractionComplete Status = 5
	StatusOCRProcessing      Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusCompleteRow:
		return "COMPLETE"
	case StatusOCRProcessing:
		return "OCR_PROCESSING"
	case StatusExtractionComplete:
		return "EXTRACTION_COMPLETE"
	case StatusErreur:
		return "ERREUR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// DocumentSource is the closed sum type spec §9 calls for in place of the
// original's string-typed, late-bound document_source comparisons: unknown
// values are a programming error surfaced by ParseDocumentSource, never a
// silent runtime branch.
type DocumentSource string

const (
	Index          DocumentSource = "index"
	Acte           DocumentSource = "acte"
	PlanCadastraux DocumentSource = "plan_cadastraux"
)

// ParseDocumentSource validates a raw document_source column value. Callers
// that read rows from the database must use this rather than comparing
// strings ad hoc.
func ParseDocumentSource(raw string) (DocumentSource, error) {
	switch DocumentSource(raw) {
	case Index, Acte, PlanCadastraux:
		return DocumentSource(raw), nil
	default:
		return "", fmt.Errorf("queue: unknown document_source %q", raw)
	}
}

// Bucket returns the storage bucket a document_source's blobs live in
// (spec.md §4.2 step 1).
func (d DocumentSource) Bucket() string {
	switch d {
	case Index:
		return "index"
	case Acte:
		return "actes"
	case PlanCadastraux:
		return "plans-cadastraux"
	default:
		panic(fmt.Sprintf("queue: Bucket called on invalid DocumentSource %q", string(d)))
	}
}

// Environment is the closed set of deployment environments spec §6 names
// ("ocr.enabledEnvironments"). Priority, used by the dispatcher (§4.5) and
// pool analysis (§4.6), is fixed: Prod > Staging > Dev.
type Environment int

const (
	Prod Environment = iota
	Staging
	Dev
)

func (e Environment) String() string {
	switch e {
	case Prod:
		return "prod"
	case Staging:
		return "staging"
	case Dev:
		return "dev"
	default:
		return fmt.Sprintf("Environment(%d)", int(e))
	}
}

// ParseEnvironment validates a configured environment name.
func ParseEnvironment(raw string) (Environment, error) {
	switch raw {
	case "prod":
		return Prod, nil
	case "staging":
		return Staging, nil
	case "dev":
		return Dev, nil
	default:
		return 0, fmt.Errorf("queue: unknown environment %q", raw)
	}
}

// PriorityOrder is the fixed environment priority spec §4.5 mandates: the
// dispatcher walks environments in this order, filtered down to whatever
// subset is enabled.
var PriorityOrder = []Environment{Prod, Staging, Dev}

// Job is one row of extraction_queue (spec.md §3). Pointer fields are null in
// the database when nil.
type Job struct {
	ID             string
	DocumentNumber string
	DocumentSource DocumentSource
	SupabasePath   string

	StatusID Status

	OCRWorkerID    *string
	OCRStartedAt   *time.Time
	OCRCompletedAt *time.Time

	OCRAttempts    int
	OCRMaxAttempts int

	OCRError       *string
	OCRLastErrorAt *time.Time

	FileContent        *string
	BoostedFileContent *string

	CreatedAt time.Time
	UpdatedAt time.Time

	Environment Environment
}

// Retriable reports whether this job may still be claimed again — the
// in-memory filter spec §4.5 step 3 calls for, since the query language used
// by some backends can't express a column-to-column comparison.
func (j *Job) Retriable() bool {
	return j.OCRAttempts < j.OCRMaxAttempts
}

// Outcome is what the pipeline reports back to the store after processing a
// claimed job (spec.md §4.2 "Failure handling").
type Outcome struct {
	Success bool

	// Populated on success.
	FileContent        string
	BoostedFileContent string

	// Populated on failure.
	Err error
}
