package bridge

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a submitted broker configuration has an
// empty field. Its text is shown to the user verbatim.
var ErrInvalidConfig = errors.New("Invalid MQTT config!") //nolint:staticcheck,revive // user-facing message

// ConnectivityError reports that a broker could not be reached or refused
// the credentials. Its message is the broker's reason, unprefixed.
type ConnectivityError struct {
	Broker string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// CommandParseError reports an inbound volume command that was not an
// integer from 0 to 100. The command is skipped.
type CommandParseError struct {
	Topic   string
	Payload string
	Err     error
}

func (e *CommandParseError) Error() string {
	return fmt.Sprintf("invalid volume command %q on %s: %v", e.Payload, e.Topic, e.Err)
}

func (e *CommandParseError) Unwrap() error {
	return e.Err
}
