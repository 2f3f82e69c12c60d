// Package scheduler is the job registry: it keeps one live cron timer per
// active schedule, persists schedule changes and run outcomes, and runs jobs
// on demand.
//
// Execution is delegated to internal/task/engine. The scheduler is
// responsible for:
//   - registering and unregistering timers by job name
//   - computing next run times from the structured schedule fields
//   - recording lastRun/nextRun after each firing
package scheduler
