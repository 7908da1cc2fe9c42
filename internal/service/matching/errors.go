package matching

import "errors"

// ErrExhausted is returned by Cursor.Next when no more offers match.
var ErrExhausted = errors.New("no more matching offers")
