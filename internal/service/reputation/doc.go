// Package reputation implements the recipient reputation guard.
//
// The guard is the single source of truth for whether a recipient address
// may receive mail. Bounce and invalid-address signals flow in from the
// dispatcher and asynchronous bounce reports, and are checked before every
// send and while selecting offers.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package reputation
