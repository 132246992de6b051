// Package sim schedules agent runs against simulated worlds.
//
// A Scheduler executes every (scenario, trial) pair of a Definition. Each run
// gets its own world store seeded from the definition, its own trace, and
// its own wrapped tool set, so runs share nothing and can proceed in
// parallel up to the configured concurrency.
//
// Failures inside a run never escape it: an agent error, a panic, a timeout
// or a latched invariant violation becomes that run's terminal status.
// Scheduler.Run only returns an error for configuration problems or when its
// context is cancelled.
//
// # Run lifecycle
//
// A run moves pending -> running -> succeeded | failed | errored. Its trace
// is closed when the run reaches a terminal state; an agent that outlives its
// deadline cannot change a finished result.
package sim
