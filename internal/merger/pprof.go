package merger

import (
	"strings"
	"time"

	"github.com/google/pprof/profile"

	agentprofile "github.com/contprof/agent/internal/profile"
	"github.com/contprof/agent/internal/safe"
)

// ToPprof renders a flattened collapsed-stack sample set as a standard
// pprof profile.Profile, for tooling that consumes pprof directly instead
// of the native collapsed text format. Each distinct frame name becomes one
// Function/Location; each stack becomes one Sample whose single value, of
// the given sampleType and unit, is the collapsed sample count.
func ToPprof(counts agentprofile.StackToSampleCount, sampleType, unit string) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleType, Unit: unit}},
		TimeNanos:  time.Now().UnixNano(),
	}

	functions := make(map[string]*profile.Function)
	locations := make(map[string]*profile.Location)
	var nextID uint64

	getFunction := func(name string) *profile.Function {
		if fn, ok := functions[name]; ok {
			return fn
		}
		nextID++
		fn := &profile.Function{ID: nextID, Name: name, SystemName: name}
		functions[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	getLocation := func(frame string) *profile.Location {
		if loc, ok := locations[frame]; ok {
			return loc
		}
		fn := getFunction(frame)
		nextID++
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		locations[frame] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for stack, count := range counts {
		frames := strings.Split(stack, ";")
		locs := make([]*profile.Location, 0, len(frames))
		// pprof expects leaf-first location order; our stacks are root-first.
		for i := len(frames) - 1; i >= 0; i-- {
			locs = append(locs, getLocation(frames[i]))
		}
		value, _ := safe.Uint64ToInt64(count)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{value},
		})
	}

	return p
}
