package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Resource errors
	ErrResourceBusy      ErrorCode = "resource_busy"
	ErrResourceNotFound  ErrorCode = "resource_not_found"
	ErrResourceExhausted ErrorCode = "resource_exhausted"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"

	// Diagnostic errors
	ErrDeviceNotFound    ErrorCode = "diag_device_not_found"
	ErrTaskNotComplete   ErrorCode = "diag_task_not_complete"
	ErrTaskNotFound      ErrorCode = "diag_task_not_found"
	ErrInvalidLevel      ErrorCode = "diag_invalid_level"
	ErrInvalidTaskType   ErrorCode = "diag_invalid_task_type"
	ErrBufferTooSmall    ErrorCode = "diag_buffer_too_small"
	ErrUnsupported       ErrorCode = "diag_unsupported"
	ErrStepExecution     ErrorCode = "diag_step_execution_failed"
	ErrTopology          ErrorCode = "diag_topology_invalid"
	ErrThresholdsMissing ErrorCode = "diag_thresholds_missing"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrUnavailable:       "Service unavailable",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingConfig:     "Missing configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read configuration",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrResourceBusy:      "Resource is busy",
	ErrResourceNotFound:  "Resource not found",
	ErrResourceExhausted: "Resource exhausted",
	ErrOperationFailed:   "Operation failed",
	ErrTimeout:           "Operation timed out",
	ErrDeviceNotFound:    "Device not found",
	ErrTaskNotComplete:   "A diagnostic or stress task is still running on the device",
	ErrTaskNotFound:      "No diagnostic task found for the device",
	ErrInvalidLevel:      "Invalid diagnostic level",
	ErrInvalidTaskType:   "Invalid diagnostic task type",
	ErrBufferTooSmall:    "Result buffer too small",
	ErrUnsupported:       "Not supported",
	ErrStepExecution:     "Diagnostic step failed",
	ErrTopology:          "Invalid link topology",
	ErrThresholdsMissing: "Threshold configuration not found",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
