// Package jobs keeps the recurring timers of the scheduler.
//
// Registry holds one Job per persisted schedule, keyed by schedule id, on a
// robfig/cron instance. A timer tick only enqueues a task on the task engine;
// the task runs the job's callable through a Runner. Sync keeps the registry
// equal to the schedules table: it loads every row at startup, retires jobs
// when the store reports deleted schedules and follows the schedule_events
// log for changes made by other processes.
package jobs
