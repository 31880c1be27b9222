// Package firstlevel maintains the profile graph: profiles as vertices,
// memberships as edges keyed by compound key, and per-client settings.
//
// Every event is applied inside the store transaction that also records its
// id, so redelivery is a no-op. Assignment adds are additionally idempotent
// by compound key, and removes are no-ops when nothing matches.
package firstlevel
