// Package graph builds the runtime machine/belt graph from a parsed
// configuration through a fluent Builder (Build returning (result,
// error), with named Err... sentinels for topology failures).
package graph

import (
	"errors"
	"fmt"
	"math/rand"

	"lineserver/belt"
	"lineserver/config"
	"lineserver/machine"
)

// ErrCyclicBelt is returned when a conveyor names itself, directly or
// transitively, as its own upstream.
var ErrCyclicBelt = errors.New("cyclic belt graph")

// ErrUnknownUpstream is returned when a conveyor's inputID does not name
// a configured conveyor; this is fatal at driver start.
var ErrUnknownUpstream = errors.New("unknown upstream belt")

// Graph is the fully-built, driver-owned simulation graph: machines and
// belts in configured order, the order the driver advances them in.
type Graph struct {
	Machines     []*machine.Machine
	MachineOrder []string
	Belts        map[string]*belt.ConveyorBelt
	BeltOrder    []string
}

// Builder assembles a Graph from a config.Factory.
type Builder struct {
	factory *config.Factory
	rng     *rand.Rand
}

// NewBuilder returns a Builder for factory, using rng as the shared
// process-global random source for machine fault rolls.
func NewBuilder(factory *config.Factory, rng *rand.Rand) *Builder {
	return &Builder{factory: factory, rng: rng}
}

// Build validates belt topology (cycle and missing-upstream checks) and
// constructs the machine/belt graph in configured order. Build returns
// an error for a topology failure or for a conveyor that belt.New
// rejects (capacity below 1); machine behavior-unset errors are not
// fatal and are instead surfaced via BehaviorWarnings.
func (b *Builder) Build() (*Graph, error) {
	if err := validateBeltTopology(b.factory.Conveyors); err != nil {
		return nil, err
	}

	belts := make(map[string]*belt.ConveyorBelt, len(b.factory.Conveyors))
	order := make([]string, 0, len(b.factory.Conveyors))
	for _, cs := range b.factory.Conveyors {
		upstream := ""
		if cs.InputID != nil {
			upstream = *cs.InputID
		}
		cb, err := belt.New(cs.ID, cs.Capacity, int64(cs.BeltSpeedMs)*1000, upstream)
		if err != nil {
			return nil, fmt.Errorf("conveyor %q: %w", cs.ID, err)
		}
		belts[cs.ID] = cb
		order = append(order, cs.ID)
	}

	machines := make([]*machine.Machine, 0, len(b.factory.Machines))
	machineOrder := make([]string, 0, len(b.factory.Machines))
	for _, ms := range b.factory.Machines {
		spec := toMachineSpec(ms)
		machines = append(machines, machine.New(spec, b.rng))
		machineOrder = append(machineOrder, ms.ID)
	}

	return &Graph{
		Machines:     machines,
		MachineOrder: machineOrder,
		Belts:        belts,
		BeltOrder:    order,
	}, nil
}

func validateBeltTopology(specs []config.ConveyorSpec) error {
	byID := make(map[string]config.ConveyorSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}

	for _, s := range specs {
		cur := s
		steps := 0
		for cur.InputID != nil && *cur.InputID != "" {
			steps++
			if steps > len(specs) {
				return fmt.Errorf("%w: starting at %q", ErrCyclicBelt, s.ID)
			}
			next, ok := byID[*cur.InputID]
			if !ok {
				return fmt.Errorf("%w: conveyor %q references %q", ErrUnknownUpstream, cur.ID, *cur.InputID)
			}
			cur = next
		}
	}
	return nil
}

func toMachineSpec(ms config.MachineSpec) machine.Spec {
	faults := make([]machine.Fault, len(ms.Faults))
	for i, fs := range ms.Faults {
		faults[i] = machine.Fault{
			Chance:      fs.FaultChance,
			Message:     fs.FaultMessage,
			TimeHighSec: fs.FaultTimeHighSec,
			TimeLowSec:  fs.FaultTimeLowSec,
		}
	}

	return machine.Spec{
		ID:                 ms.ID,
		Cost:               ms.Cost,
		Throughput:         ms.Throughput,
		InputTickUs:        int64(ms.InputSpeedMs) * 1000,
		ProcessTickUs:      int64(ms.ProcessingSpeedMs) * 1000,
		OutputTickUs:       int64(ms.OutputSpeedMs) * 1000,
		InputCapacity:      ms.InputCapacity,
		OutputCapacity:     ms.OutputCapacity,
		InputIDs:           ms.InputIDs,
		OutputIDs:          ms.OutputIDs,
		InputBehavior:      mapInputBehavior(ms.InputBehavior),
		ProcessingBehavior: mapProcessingBehavior(ms.ProcessingBehavior),
		OutputBehavior:     mapOutputBehavior(ms.OutputBehavior),
		Faults:             faults,
		Sensor:             ms.Sensor,
		Baseline:           ms.SensorBaseline,
		Variance:           ms.SensorVariance,
		InitialStatus:      machine.ParseStatus(ms.State),
	}
}

func mapInputBehavior(s string) machine.InputBehavior {
	switch s {
	case "spawner":
		return machine.InputSpawner
	case "single":
		return machine.InputSingle
	default:
		return machine.InputUnset
	}
}

func mapProcessingBehavior(s string) machine.ProcessingBehavior {
	switch s {
	case "default":
		return machine.ProcessingDefault
	default:
		return machine.ProcessingUnset
	}
}

// mapOutputBehavior: the config schema names the "push to one
// downstream belt" selector "default", rather than "single".
func mapOutputBehavior(s string) machine.OutputBehavior {
	switch s {
	case "consumer":
		return machine.OutputConsumer
	case "default":
		return machine.OutputSingle
	default:
		return machine.OutputUnset
	}
}

// BehaviorWarnings returns the ids of machines that were built with an
// unset stage behavior (and are therefore permanently FAULTED), for the
// supervisor to log before starting the driver.
func (g *Graph) BehaviorWarnings() []string {
	var warnings []string
	for _, m := range g.Machines {
		if m.CurrentFault != nil && m.Status == machine.StatusFaulted {
			warnings = append(warnings, m.ID)
		}
	}
	return warnings
}
