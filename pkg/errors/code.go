package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 30000-30099: Generic errors
// 30100-30199: Configuration errors
// 30200-30299: Sandbox lifecycle errors
// 30300-30399: Isolation / OS resource errors
// 30400-30499: Monitoring errors

const (
	// Success
	Success ErrorCode = 30000

	// Generic errors (30000-30099)
	InternalError      ErrorCode = 30001
	InvalidParams      ErrorCode = 30002
	NotFound           ErrorCode = 30003
	PermissionDenied   ErrorCode = 30004
	Timeout            ErrorCode = 30005
	ValidationFailed   ErrorCode = 30006
	RequiredFieldEmpty ErrorCode = 30007

	// Configuration errors (30100-30199)
	ConfigParseError      ErrorCode = 30100
	ConfigValidationError ErrorCode = 30101
	ConfigReadError       ErrorCode = 30102
	ProfileInvalid        ErrorCode = 30110
	ProfileExists         ErrorCode = 30111

	// Sandbox lifecycle errors (30200-30299)
	DuplicateID         ErrorCode = 30200
	SandboxNotFound     ErrorCode = 30201
	ExecutableNotFound  ErrorCode = 30202
	InvalidTransition   ErrorCode = 30203
	ManagerShutDown     ErrorCode = 30204
	TooManySandboxes    ErrorCode = 30205
	EmptyCommand        ErrorCode = 30206
	CommandParseFailure ErrorCode = 30207

	// Isolation / OS resource errors (30300-30399)
	OsResourceError   ErrorCode = 30300
	GroupCreateFailed ErrorCode = 30301
	GroupLimitFailed  ErrorCode = 30302
	SpawnFailed       ErrorCode = 30303
	AssignFailed      ErrorCode = 30304
	ResumeFailed      ErrorCode = 30305
	TerminateFailed   ErrorCode = 30306
	EngineUnavailable ErrorCode = 30307

	// Monitoring errors (30400-30499)
	MonitoringQueryError ErrorCode = 30400
	SampleUnavailable    ErrorCode = 30401
	ExportFailed         ErrorCode = 30402
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	Success:            "success",
	InternalError:      "internal error",
	InvalidParams:      "invalid parameters",
	NotFound:           "resource not found",
	PermissionDenied:   "operation requires elevated privileges",
	Timeout:            "operation timed out",
	ValidationFailed:   "validation failed",
	RequiredFieldEmpty: "required field is empty",

	ConfigParseError:      "configuration file is malformed",
	ConfigValidationError: "configuration validation failed",
	ConfigReadError:       "configuration file could not be read",
	ProfileInvalid:        "security profile is invalid",
	ProfileExists:         "security profile already exists",

	DuplicateID:         "sandbox id already exists",
	SandboxNotFound:     "sandbox not found",
	ExecutableNotFound:  "executable does not exist",
	InvalidTransition:   "invalid sandbox state transition",
	ManagerShutDown:     "sandbox manager has been shut down",
	TooManySandboxes:    "concurrent sandbox limit reached",
	EmptyCommand:        "sandbox command is empty",
	CommandParseFailure: "sandbox command could not be parsed",

	OsResourceError:   "os resource operation failed",
	GroupCreateFailed: "resource group creation failed",
	GroupLimitFailed:  "resource group limit setup failed",
	SpawnFailed:       "process spawn failed",
	AssignFailed:      "process assignment to resource group failed",
	ResumeFailed:      "process resume failed",
	TerminateFailed:   "resource group termination failed",
	EngineUnavailable: "isolation engine is not available on this platform",

	MonitoringQueryError: "monitoring query failed",
	SampleUnavailable:    "no performance samples collected yet",
	ExportFailed:         "metrics export failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// Recoverable reports whether the caller can fix the failure by its own
// action, e.g. PermissionDenied is fixed by re-running elevated.
func (c ErrorCode) Recoverable() bool {
	return c == PermissionDenied
}
