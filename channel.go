package esteps

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Channel sends commands to and reads status from the remote controller.
// Both calls complete exactly once; failures are returned as *Fault.
type Channel interface {
	Send(ctx context.Context, cmd Command) (Response, error)
	FetchStatus(ctx context.Context) (ToolState, error)
}

// HistorySource supplies previously recorded calibration runs
type HistorySource interface {
	LoadHistory(ctx context.Context) ([]CalibrationRecord, error)
}

// Response is the raw reply to a successful command
type Response struct {
	StatusCode int
	Body       []byte
}

// FaultKind classifies a Fault
type FaultKind int

const (
	FaultCommand FaultKind = iota
	FaultQuery
	FaultProtocol
	FaultTimeout
)

func (k FaultKind) String() string {
	switch k {
	case FaultCommand:
		return "command"
	case FaultQuery:
		return "query"
	case FaultProtocol:
		return "protocol"
	case FaultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fault is a failure reported by, or while talking to, the remote controller.
// Message is shown to the user as is.
type Fault struct {
	Kind    FaultKind
	Message string
	Err     error
}

func (f *Fault) Error() string {
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func commandFault(message string, err error) *Fault {
	return &Fault{Kind: FaultCommand, Message: message, Err: err}
}

func queryFault(message string, err error) *Fault {
	return &Fault{Kind: FaultQuery, Message: message, Err: err}
}

func protocolFault(err error) *Fault {
	return &Fault{Kind: FaultProtocol, Message: fmt.Sprintf("protocol mismatch: %v", err), Err: err}
}

// faultMessage is the text ReportError receives for err
func faultMessage(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}
