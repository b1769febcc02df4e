package services

import "errors"

// ErrMissingConfig marks a stage invoked without the credentials or
// endpoints it needs. It is fatal to that stage's run.
var ErrMissingConfig = errors.New("missing configuration")
