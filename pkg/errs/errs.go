// Package errs defines the error taxonomy shared across the recurring
// order system so callers can type-switch or errors.As on the kind of
// failure instead of matching on message text.
package errs

import "fmt"

// ConfigError signals a missing or malformed configuration key. Fatal
// at startup; never recovered from.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("config: missing required key %q", e.Key)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError signals that OAuth1 signing or live-session-token
// derivation/verification failed.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// BrokerError is a non-auth 4xx/5xx response from the broker API.
type BrokerError struct {
	Status int
	Body   string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker: status %d: %s", e.Status, e.Body)
}

// OrderProtocolError signals the confirmation-reply loop exceeded its
// cap or terminated without an order id.
type OrderProtocolError struct {
	Reason string
}

func (e *OrderProtocolError) Error() string { return "order protocol: " + e.Reason }

// SheetSchemaError names the worksheet header column(s) that could not
// be resolved.
type SheetSchemaError struct {
	MissingColumns []string
}

func (e *SheetSchemaError) Error() string {
	return fmt.Sprintf("sheet schema: missing required columns %v", e.MissingColumns)
}

// SheetIOError wraps a transport/API failure talking to the sheet.
type SheetIOError struct {
	Op  string
	Err error
}

func (e *SheetIOError) Error() string { return fmt.Sprintf("sheet io: %s: %v", e.Op, e.Err) }
func (e *SheetIOError) Unwrap() error { return e.Err }

// NotifyError wraps a non-fatal notifier dispatch failure.
type NotifyError struct {
	Err error
}

func (e *NotifyError) Error() string { return fmt.Sprintf("notify: %v", e.Err) }
func (e *NotifyError) Unwrap() error { return e.Err }

// ErrBusy is returned when execute_due is invoked while another
// invocation is already in flight.
var ErrBusy = fmt.Errorf("engine: busy, run already in flight")

// ErrShutdown signals cooperative cancellation cut a batch short.
var ErrShutdown = fmt.Errorf("engine: shutdown in progress")

// ValidationError signals a malformed recurring-order row. It is
// row-scoped and never aborts the batch.
type ValidationError struct {
	RowIndex int
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: row %d: %s", e.RowIndex, e.Reason)
}
