// Package directory selects Specialized Agents for pipeline stages.
//
// Selection filters by role, activity, availability and spare capacity, orders
// candidates with a Strategy (least-loaded, tie-broken by id) and reserves the
// winner with an atomic conditional update. A reservation is held by a Lease and
// returned to the pool with Lease.Release once the stage that used it ends.
package directory
