package blsdio

import (
	"errors"
	"time"
)

var errPollTimeout = errors.New("poll timeout")

// retry calls fn until it succeeds or attempts runs out. The last error is returned.
func retry(attempts int, fn func() error) (err error) {
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
	}
	return errors.Join(errBusRetries, err)
}

// pollUntil calls cond until it reports true, sleeping interval between attempts.
// A cond error is treated as a not-ready attempt.
func (d *Device) pollUntil(attempts int, interval time.Duration, cond func() (bool, error)) error {
	for i := 0; i < attempts; i++ {
		d.sleep(interval)
		ok, err := cond()
		if err != nil {
			d.debug("poll:cond", errAttr(err))
			continue
		}
		if ok {
			return nil
		}
	}
	return errPollTimeout
}
