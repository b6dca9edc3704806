// Command workq manages durable work queues stored in SQLite, PostgreSQL,
// SQL Server, Redis or Pebble.
//
// Install:
//
//	go install github.com/nuetzliches/workq/cmd/workq@latest
//
// Usage:
//
//	workq create --config ./workq.json
//	workq send --config ./workq.json --body '{"order":42}' --route billing
//	workq receive --config ./workq.json --route billing
//	workq monitor --config ./workq.json --watch
package main
