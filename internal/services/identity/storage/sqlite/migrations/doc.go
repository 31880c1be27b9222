// Package migrations embeds the SQL schema history of every identity SQLite
// database. Each database applies only its own directory:
//
//   - write: batch log and tickets
//   - events: event journal
//   - graph: first-level projection plus its subscription bookkeeping
//   - documents: second-level projection plus its subscription bookkeeping
package migrations
