// Package storage persists users, projects, entry points and schedules in
// SQLite.
//
// Every delete path (schedule, entry point, project, user) collects the ids
// of the schedules it removes inside its transaction and hands them to the
// OnScheduleDeleted hooks after commit, before returning. SQL triggers also
// append every schedule change to schedule_events so that changes made by
// another process can be observed by polling.
package storage
