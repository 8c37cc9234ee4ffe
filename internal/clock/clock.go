package clock

import "time"

// Clock abstracts the time source so scheduled billing work can be
// tested by advancing a fake instead of sleeping.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
