package call

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

var callNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("famcall:call"))

// NewCallID derives the call id for an attempt between a and b started at ts.
// The result does not depend on argument order, so both peers and every
// wake-up path compute the same id for the same attempt.
func NewCallID(a, b string, ts time.Time) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	name := lo + "|" + hi + "|" + strconv.FormatInt(ts.UnixMilli(), 10)
	return uuid.NewSHA1(callNamespace, []byte(name)).String()
}
