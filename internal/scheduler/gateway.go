package scheduler

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the single outbound capability of a channel provider. The
// concrete telephony/SMS/email integrations live behind this interface.
type Gateway interface {
	Send(ctx context.Context, contact, message string) error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, contact, message string) error

func (f GatewayFunc) Send(ctx context.Context, contact, message string) error {
	return f(ctx, contact, message)
}

// PermanentError tags a failure that retrying cannot fix. Gateways wrap
// rejections (bad number, auth failure) with Permanent; anything untagged is
// treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
