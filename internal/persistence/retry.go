package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-sqlite3"
)

// backoff bounds the waits between attempts of a retried write.
type backoff struct {
	base, max time.Duration
}

var defaultBackoff = backoff{base: 20 * time.Millisecond, max: 500 * time.Millisecond}

// delay for the given zero-based attempt, doubled per attempt, capped, and
// spread over [75%, 125%) of the nominal value.
func (b backoff) delay(attempt int) time.Duration {
	d := b.max
	if attempt < 16 {
		d = min(b.base<<attempt, b.max)
	}
	return d*3/4 + rand.N(d/2)
}

// retryWithBackoff runs f up to maxRetries+1 times while retryable accepts the
// error. A done context ends the wait early with ctx.Err().
func retryWithBackoff(ctx context.Context, maxRetries int, retryable func(error) bool, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || attempt >= maxRetries || !retryable(err) {
			return err
		}
		t := time.NewTimer(defaultBackoff.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	return retryWithBackoff(ctx, maxRetries, isSQLiteBusy, f)
}

// isSQLiteBusy matches SQLITE_BUSY and SQLITE_LOCKED, typed or as text when
// the driver error has been flattened by fmt.Errorf("%v").
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	for _, s := range []string{"database is locked", "database table is locked", "(5)", "(6)"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// errTransient marks an error as worth another attempt.
var errTransient = errors.New("transient")

func isTransientIO(err error) bool {
	for _, target := range []error{errTransient, syscall.EAGAIN, syscall.EBUSY, syscall.EINTR, syscall.ETXTBSY} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
