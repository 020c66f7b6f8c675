package gpu

import (
	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	// Initialization and Lifecycle Errors
	ErrNotInitialized   = errors.ErrorCode("gpu_not_initialized")
	ErrInitFailed       = errors.ErrorCode("gpu_init_failed")
	ErrDeviceNotFound   = errors.ErrorCode("gpu_device_not_found")
	ErrShutdownFailed   = errors.ErrorCode("gpu_shutdown_failed")
	ErrDeviceInfoFailed = errors.ErrorCode("gpu_device_info_failed")

	// Sampling Errors
	ErrTemperatureReadFailed = errors.ErrorCode("gpu_temperature_read_failed")
	ErrPowerReadFailed       = errors.ErrorCode("gpu_power_read_failed")

	// Device Discovery Errors
	ErrDeviceCountFailed = errors.ErrorCode("gpu_device_count_failed")
	ErrDeviceUUIDFailed  = errors.ErrorCode("gpu_device_uuid_failed")
	ErrUnitQueryFailed   = errors.ErrorCode("gpu_unit_query_failed")

	// Link Errors
	ErrLinkQueryFailed   = errors.ErrorCode("gpu_link_query_failed")
	ErrLinkCounterFailed = errors.ErrorCode("gpu_link_counter_failed")

	// Process and Firmware Errors
	ErrProcessQueryFailed  = errors.ErrorCode("gpu_process_query_failed")
	ErrFirmwareQueryFailed = errors.ErrorCode("gpu_firmware_query_failed")

	// Kernel Runner Errors
	ErrRunnerFailed = errors.ErrorCode("gpu_runner_failed")
	ErrRunnerOutput = errors.ErrorCode("gpu_runner_output_invalid")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// isAbsent reports whether ret means the queried feature or index does not
// exist, as opposed to a failed query.
func isAbsent(ret nvml.Return) bool {
	return ret == nvml.ERROR_NOT_SUPPORTED || ret == nvml.ERROR_INVALID_ARGUMENT || ret == nvml.ERROR_NOT_FOUND
}
