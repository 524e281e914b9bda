package machine

// Fault is a fireable failure mode rolled at the end of each processing
// cycle: with probability Chance, the machine enters StatusFaulted for a
// duration drawn uniformly from [TimeLowSec, TimeHighSec].
type Fault struct {
	Chance      float64
	Message     string
	TimeHighSec float64
	TimeLowSec  float64
}
