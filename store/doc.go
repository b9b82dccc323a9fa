// Package store provides persistence ports for rooms, tasks, steps,
// evaluations, agents and room messages, together with a GORM-backed
// implementation that runs on postgres, mysql and sqlite.
//
// All task mutations after creation go through UpdateTask, which is a
// compare-and-set on the task status: a writer that lost a race (for example
// against a cancellation) gets ErrConflict and must drop its result.
package store
