// Package report folds run results into a test report.
//
// Only terminal runs count. The pass rate is the round-half-up integer
// percentage of succeeded runs, so it always lies in [0, 100]. A report with
// no terminal runs cannot be built: that is a configuration error, not a 0%
// result.
//
// # Sinks
//
// A finished report is handed to a Sink. MultiSink fans out to several; the
// SQLite store and the live dashboard implement Sink too.
package report
