package session

import (
	"errors"
	"net/http"

	"github.com/antonkrylov/execgate/internal/directory"
	"github.com/antonkrylov/execgate/internal/dispatch"
)

// Rest codes surfaced to clients in rejection bodies and error control
// messages.
const (
	CodeMachineIsHVM     = "MachineIsHVM"
	CodeMachineStopped   = "MachineStopped"
	CodeResourceNotFound = "ResourceNotFound"
	CodeInvalidArgument  = "InvalidArgument"
	CodeUpgradeFailed    = "UpgradeFailed"
	CodeInternalError    = "InternalError"
)

var (
	// ErrConnectTimeout is recorded when the backend dial does not
	// complete within the connect window.
	ErrConnectTimeout = errors.New("session: backend connect timed out")
	// ErrDrainTimeout is recorded when the backend socket does not end
	// within the graceful-close window after the channel side ended.
	ErrDrainTimeout = errors.New("session: backend drain timed out")
	// ErrChannelGone is recorded when the channel ends before a
	// command was negotiated.
	ErrChannelGone = errors.New("session: channel closed before command")
)

// ErrorDetail is the structured error clients see, both as an HTTP
// rejection body and as the payload of an in-channel error control
// message.
type ErrorDetail struct {
	StatusCode int    `json:"statusCode"`
	RestCode   string `json:"restCode"`
	Message    string `json:"message"`
}

// Describe classifies an error into the client-facing detail.
func Describe(err error) ErrorDetail {
	d := ErrorDetail{StatusCode: http.StatusInternalServerError, RestCode: CodeInternalError}
	switch {
	case errors.Is(err, directory.ErrUnsupportedRuntime):
		d.StatusCode = http.StatusBadRequest
		d.RestCode = CodeMachineIsHVM
	case errors.Is(err, directory.ErrNotRunning):
		d.StatusCode = http.StatusBadRequest
		d.RestCode = CodeMachineStopped
	case errors.Is(err, directory.ErrMachineNotFound):
		d.StatusCode = http.StatusNotFound
		d.RestCode = CodeResourceNotFound
	case errors.Is(err, dispatch.ErrEmptyArgv), errors.Is(err, directory.ErrInvalidMachine):
		d.StatusCode = http.StatusBadRequest
		d.RestCode = CodeInvalidArgument
	}
	if err != nil {
		d.Message = err.Error()
	}
	return d
}
