package quota

import "errors"

// ErrSettingsNotFound is returned when a client has no send settings row.
var ErrSettingsNotFound = errors.New("send settings not found")
