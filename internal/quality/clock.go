package quality

import "time"

// nowFunc and sinceFunc are indirections over time.Now/time.Since so tests
// can stub duration measurement without sleeping.
var (
	nowFunc   = time.Now
	sinceFunc = time.Since
)
