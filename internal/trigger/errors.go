package trigger

import "errors"

var ErrUnknownTrigger = errors.New("unknown trigger")
