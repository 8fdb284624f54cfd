package aead

import "errors"

// ErrIntegrity is returned when a tag fails to verify. It propagates
// wrapped through cryptio and vfs unchanged; callers compare with
// errors.Is. Never recovered locally (spec.md §7).
var ErrIntegrity = errors.New("aead: integrity check failed")
