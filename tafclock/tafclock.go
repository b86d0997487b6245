// Package tafclock threads a single clockwork.Clock through the
// authoring engine so expiration logic (role expirations set by
// repoauthor.Author, including repoauthor.Author.RefreshExpiration) is
// deterministically testable without sleeping real time. Token
// certificate validity is computed from time.Now, not from this clock.
package tafclock

import "github.com/jonboulle/clockwork"

// Default is the process-wide real clock. Sessions that need a
// deterministic clock (tests) should construct their own
// clockwork.NewFakeClock() and pass it explicitly rather than mutating
// this variable, keeping the authoring session free of global state per
// the "no process-wide mutable singleton" design note.
var Default = clockwork.NewRealClock()
