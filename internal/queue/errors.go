package queue

import "errors"

// ErrMissingColumn is the typed SchemaError spec.md §7 kind 7 and §4.2 step 7
// describe: a legacy deployment's extraction_queue table lacks a column the
// core expects (boosted_file_content). It is probed once at startup and
// cached for the process lifetime (spec §9's "capability probe performed
// once at startup").
var ErrMissingColumn = errors.New("queue: column missing from extraction_queue")

// postgresUndefinedColumnSQLState is the SQLSTATE Postgres returns for
// "column does not exist" (42703), used to recognise ErrMissingColumn from a
// raw driver error.
const postgresUndefinedColumnSQLState = "42703"
