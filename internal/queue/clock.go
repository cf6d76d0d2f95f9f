package queue

import "time"

// Clock is the time source used for scheduling decisions and persisted
// timestamps. Injectable so driver and scheduler tests control time; nil
// always means SystemClock().
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }
