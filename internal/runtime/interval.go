package runtime

import (
	"regexp"
	"strconv"
	"time"

	"trad-core/pkg/types"
)

var intervalRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// parseInterval parses a schedule argument: {N}s, {N}m, {N}h, {N}d, or
// "once". "once" (and the empty string, meaning schedule was never called)
// ends the run after the current tick. Unrecognized forms are refused rather
// than silently defaulted.
func parseInterval(s string) (d time.Duration, once bool, err error) {
	if s == "" || s == "once" {
		return 0, true, nil
	}
	m := intervalRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false, types.NewTradeError(types.KindParameterOutOfRange, "interval %q is not of the form {N}s|{N}m|{N}h|{N}d or once", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false, types.NewTradeError(types.KindParameterOutOfRange, "interval %q must be positive", s)
	}
	unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
	return time.Duration(n) * unit, false, nil
}
