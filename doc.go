/*
Package workq documents the workq module.

workq is a message queue engine over pluggable storage. Producers send
messages with optional routes, priorities, delays, expirations and
scheduler job links; consumers claim them exclusively and commit, roll
back or move them to an error table. Heartbeats and maintenance sweeps
recover messages from consumers that stopped. The module ships the workq
command:

	go install github.com/nuetzliches/workq/cmd/workq@latest

Implementation packages live under internal/ and are not a stable public
Go API.
*/
package workq
