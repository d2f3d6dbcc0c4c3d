package poll

import (
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

type GroupResult struct {
	Group   transport.Group
	Values  []types.Value
	Err     error
	Skipped bool
}

func (r GroupResult) OK() bool {
	return !r.Skipped && r.Err == nil
}

type WriteResult struct {
	Target transport.Target
	Value  types.Value
	Err    error
}

// Report fasst einen Poll-Zyklus zusammen
type Report struct {
	Cycle        uint64
	Started      time.Time
	Duration     time.Duration
	Results      []GroupResult
	AlarmWrite   *WriteResult
	CounterWrite *WriteResult
}

func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

func (r Report) Result(group string) (GroupResult, bool) {
	for _, res := range r.Results {
		if res.Group.Name == group {
			return res, true
		}
	}
	return GroupResult{}, false
}
