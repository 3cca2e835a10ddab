// Package stores persists install records, run entries and the event timeline
// in a single SQLite file per host. The schema is managed by embedded migrations.
package stores
