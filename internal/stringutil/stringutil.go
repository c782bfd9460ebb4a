// Package stringutil provides small string helpers shared across packages.
package stringutil

// TruncString returns val truncated to max bytes, with an ellipsis when
// anything was cut. Used to keep free-form descriptions out of log noise.
func TruncString(val string, max int) string {
	if len(val) <= max {
		return val
	}
	if max > 3 {
		return val[:max-3] + "..."
	}
	return val[:max]
}
