// Package lifecycle decides when client mailboxes are retired and keeps the
// local mailbox records in line with the mailbox provider.
//
// A mailbox moves active → deletion_pending → deleted. The sweep marks
// active mailboxes pending when a rule fires and deprovisions pending
// mailboxes once their grace period has passed. Cancel is the only way
// back from pending to active. Reconcile repairs records whose account no
// longer exists at the provider. EmailSend history is never touched.
package lifecycle
