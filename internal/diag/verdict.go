package diag

import "fmt"

const msgBadThreshold = "Unconfigured or invalid threshold."

// judge compares a measurement against its configured minimum. A missing
// or non-positive threshold always fails.
func judge(check, detail string, measured float64, threshold int, unit string) outcome {
	switch {
	case threshold <= 0:
		return failed(fmt.Sprintf("Fail to check %s. %s %s", check, detail, msgBadThreshold))
	case measured < float64(threshold):
		return failed(fmt.Sprintf("Fail to check %s. %s Threshold is %d %s.", check, detail, threshold, unit))
	default:
		return passed(fmt.Sprintf("Pass to check %s. %s", check, detail))
	}
}
