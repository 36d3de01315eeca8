package utils

import "sync"

// AvgVal is a running mean, e.g. of write batch sizes. The zero value
// is ready to use.
type AvgVal struct {
	lock  sync.Mutex
	sum   float64
	count int
}

func NewAvgVal(val float64) *AvgVal {
	return &AvgVal{sum: val, count: 1}
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	a.sum += val
	a.count++
	a.lock.Unlock()
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *AvgVal) Count() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.count
}
