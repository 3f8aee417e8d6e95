package rest

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not worth retrying: the input itself is wrong.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
