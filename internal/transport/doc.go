// Package transport implements sending.Transport over Amazon SES and plain
// SMTP relays. Both classify provider failures into sending.Error kinds so
// the dispatcher can decide between retrying, invalidating the recipient
// and recording a bounce.
package transport
