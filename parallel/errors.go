package parallel

import "fmt"

// ErrInvalidPoolSize is returned by NewParallelAction when poolSize <= 0.
var ErrInvalidPoolSize = fmt.Errorf("parallel: pool size must be a strictly positive number of concurrent sub-streams")

// ErrNoDispatcherSupplier is returned by NewParallelAction when supplier is nil.
var ErrNoDispatcherSupplier = fmt.Errorf("parallel: a dispatcher supplier is required, one per lane")

// ErrLaneGone is delivered to a lane's error handler when a broadcast is
// attempted after the lane has already cancelled.
var ErrLaneGone = fmt.Errorf("parallel: lane has already cancelled")
