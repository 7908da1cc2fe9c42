// Package dispatch sends one job-offer email on behalf of a client.
//
// Every attempt is reserved as an EmailSend row before the transport is
// called. The (client, recipient) and (client, offer) unique constraints on
// that row are what keep concurrent schedulers from mailing the same
// person twice; a lost race surfaces as ErrDuplicateSend.
//
// Once reserved, delivery runs on a context detached from the caller so a
// cancelled job never strands a row in reserved. Delivery outcomes are
// recorded on the row; Dispatch only returns an error when nothing was
// reserved or the row could not be updated.
package dispatch
