// Package machine implements the three-stage Machine state machine:
// independent input/processing/output sub-clocks, a fault table with
// timed recovery, and a debounced status classifier.
package machine

import (
	"fmt"
	"math/rand"

	"lineserver/belt"
)

// InputBehavior selects how a machine's input stage is driven.
type InputBehavior int

const (
	InputUnset InputBehavior = iota
	InputSpawner
	InputSingle
)

// ProcessingBehavior selects how a machine's processing stage is driven.
type ProcessingBehavior int

const (
	ProcessingUnset ProcessingBehavior = iota
	ProcessingDefault
)

// OutputBehavior selects how a machine's output stage is driven.
type OutputBehavior int

const (
	OutputUnset OutputBehavior = iota
	OutputConsumer
	OutputSingle
)

// Spec is the constructor-time description of a Machine, produced by the
// graph builder from the parsed configuration.
type Spec struct {
	ID                 string
	Cost               uint64
	Throughput         uint64
	InputTickUs        int64
	ProcessTickUs      int64
	OutputTickUs       int64
	InputCapacity      uint64
	OutputCapacity     uint64
	InputIDs           []string
	OutputIDs          []string
	InputBehavior      InputBehavior
	ProcessingBehavior ProcessingBehavior
	OutputBehavior     OutputBehavior
	Faults             []Fault
	Sensor             bool
	Baseline           float64
	Variance           float64
	InitialStatus      Status
}

// Machine is a staged production unit: input -> processing -> output,
// coupled to the rest of the line only through named conveyor belts.
type Machine struct {
	ID             string
	Cost           uint64
	Throughput     uint64
	InputTickUs    int64
	ProcessTickUs  int64
	OutputTickUs   int64
	InputInventory uint64
	OutputInventory uint64
	InputCapacity  uint64
	OutputCapacity uint64

	InputIDs  []string
	OutputIDs []string

	NextInputIdx  int
	NextOutputIdx int

	InputInProgress bool
	InputClockUs    int64

	ProcessingInProgress bool
	ProcessingClockUs    int64

	OutputInProgress     bool
	OutputClockUs        int64
	outputPendingBeltID  string

	InputWaiting  bool
	OutputWaiting bool

	Faults       []Fault
	CurrentFault *Fault
	FaultClockUs int64
	FaultTargetUs int64

	Status Status

	InputDebounce   bool
	OutputDebounce  bool
	ProcessDebounce bool

	ProducedCount    uint64
	ConsumedCount    uint64
	StateChangeCount uint64
	FaultedCount     uint64

	Sensor   bool
	Baseline float64
	Variance float64

	InputBehavior      InputBehavior
	ProcessingBehavior ProcessingBehavior
	OutputBehavior     OutputBehavior

	rng *rand.Rand

	// unsetBehavior marks a machine that was built with a missing stage
	// selector: it is permanently FAULTED and never recovers, since
	// there is no valid behavior to run.
	unsetBehavior bool
}

// New builds a Machine from spec. rng is the shared, process-global
// random source used for fault rolls. If spec leaves any stage
// behavior unset, New does not return an error: it instead returns a
// Machine that is immediately and permanently FAULTED with a synthetic
// fault describing the missing stage — the caller should log this and
// continue running the other machines.
func New(spec Spec, rng *rand.Rand) *Machine {
	m := &Machine{
		ID:                 spec.ID,
		Cost:               spec.Cost,
		Throughput:         spec.Throughput,
		InputTickUs:        spec.InputTickUs,
		ProcessTickUs:      spec.ProcessTickUs,
		OutputTickUs:       spec.OutputTickUs,
		InputCapacity:      spec.InputCapacity,
		OutputCapacity:     spec.OutputCapacity,
		InputIDs:           spec.InputIDs,
		OutputIDs:          spec.OutputIDs,
		Faults:             spec.Faults,
		Sensor:             spec.Sensor,
		Baseline:           spec.Baseline,
		Variance:           spec.Variance,
		InputBehavior:      spec.InputBehavior,
		ProcessingBehavior: spec.ProcessingBehavior,
		OutputBehavior:     spec.OutputBehavior,
		Status:             spec.InitialStatus,
		rng:                rng,
	}

	if missing := missingStage(spec); missing != "" {
		m.unsetBehavior = true
		f := Fault{Message: fmt.Sprintf("behavior not configured for stage %s", missing)}
		m.CurrentFault = &f
		m.Status = StatusFaulted
		m.FaultedCount = 1
		m.StateChangeCount = 1
	}

	return m
}

func missingStage(spec Spec) string {
	switch {
	case spec.InputBehavior == InputUnset:
		return "input"
	case spec.ProcessingBehavior == ProcessingUnset:
		return "processing"
	case spec.OutputBehavior == OutputUnset:
		return "output"
	default:
		return ""
	}
}

// Tick advances one driver iteration's worth of Δt (deltaUs microseconds)
// through input, processing, fault recovery, and output, in that
// order. Input and processing are both skipped while FAULTED, but
// output may still drain. belts resolves a belt id to the
// ConveyorBelt instance owned by the driver.
func (m *Machine) Tick(deltaUs int64, belts map[string]*belt.ConveyorBelt) {
	if m.Status != StatusFaulted {
		m.advanceInput(deltaUs, belts)
		m.advanceProcessing(deltaUs)
	}
	m.advanceFaultRecovery(deltaUs)
	m.advanceOutput(deltaUs, belts)
}

func (m *Machine) advanceInput(deltaUs int64, belts map[string]*belt.ConveyorBelt) {
	switch m.InputBehavior {
	case InputSpawner:
		m.advanceSpawnerInput(deltaUs)
	case InputSingle:
		m.advanceSingleInput(deltaUs, belts)
	}
}

func (m *Machine) advanceSpawnerInput(deltaUs int64) {
	if !m.InputInProgress {
		if m.InputInventory < m.InputCapacity {
			m.InputWaiting = true
			m.InputInProgress = true
			m.InputClockUs = 0
		} else {
			m.InputWaiting = false
		}
		return
	}
	m.InputClockUs += deltaUs
	if m.InputClockUs >= m.InputTickUs {
		m.InputInventory++
		m.InputInProgress = false
	}
}

func (m *Machine) advanceSingleInput(deltaUs int64, belts map[string]*belt.ConveyorBelt) {
	if len(m.InputIDs) == 0 {
		m.InputWaiting = false
		return
	}

	if !m.InputInProgress {
		if m.OutputInventory == 0 {
			found := false
			for k := 0; k < len(m.InputIDs); k++ {
				idx := (m.NextInputIdx + k) % len(m.InputIDs)
				b, ok := belts[m.InputIDs[idx]]
				if !ok || !b.IsTailOccupied() {
					continue
				}
				b.PullItem()
				m.NextInputIdx = (idx + 1) % len(m.InputIDs)
				m.InputWaiting = true
				m.InputInProgress = true
				m.InputClockUs = 0
				found = true
				break
			}
			if !found {
				m.InputWaiting = false
			}
		} else {
			avail := false
			for _, id := range m.InputIDs {
				if b, ok := belts[id]; ok && b.IsTailOccupied() {
					avail = true
					break
				}
			}
			m.InputWaiting = avail
		}
		return
	}

	m.InputClockUs += deltaUs
	if m.InputClockUs >= m.InputTickUs {
		m.InputInventory++
		m.InputInProgress = false
	}
}

func (m *Machine) advanceProcessing(deltaUs int64) {
	if m.ProcessingBehavior != ProcessingDefault {
		return
	}

	if !m.ProcessingInProgress {
		if m.InputInventory >= m.Cost && m.OutputInventory == 0 && m.OutputCapacity >= m.Throughput {
			m.ProcessingInProgress = true
			m.ProcessingClockUs = 0
		}
		return
	}

	m.ProcessingClockUs += deltaUs
	if m.ProcessingClockUs < m.ProcessTickUs {
		return
	}

	for i := range m.Faults {
		f := &m.Faults[i]
		if m.rng.Float64() >= f.Chance {
			continue
		}
		m.CurrentFault = f
		m.Status = StatusFaulted
		m.StateChangeCount++
		m.FaultedCount++
		m.InputInProgress = false
		m.ProcessingInProgress = false
		m.OutputInProgress = false
		r2 := m.rng.Float64()
		m.FaultTargetUs = int64((f.TimeLowSec + r2*(f.TimeHighSec-f.TimeLowSec)) * 1e6)
		m.FaultClockUs = 0
		return
	}

	m.InputInventory -= m.Cost
	m.ConsumedCount += m.Cost
	m.OutputInventory += m.Throughput
	m.ProducedCount += m.Throughput
	m.ProcessingInProgress = false
}

func (m *Machine) advanceFaultRecovery(deltaUs int64) {
	if m.Status != StatusFaulted || m.unsetBehavior {
		return
	}
	m.FaultClockUs += deltaUs
	if m.FaultClockUs >= m.FaultTargetUs {
		m.CurrentFault = nil
		m.Status = StatusProducing
		m.StateChangeCount++
	}
}

func (m *Machine) advanceOutput(deltaUs int64, belts map[string]*belt.ConveyorBelt) {
	switch m.OutputBehavior {
	case OutputConsumer:
		m.advanceConsumerOutput(deltaUs)
	case OutputSingle:
		m.advanceSingleOutput(deltaUs, belts)
	}
}

func (m *Machine) advanceConsumerOutput(deltaUs int64) {
	m.OutputWaiting = true
	if !m.OutputInProgress {
		if m.OutputInventory > 0 {
			m.OutputInProgress = true
			m.OutputClockUs = 0
		}
		return
	}
	m.OutputClockUs += deltaUs
	if m.OutputClockUs >= m.OutputTickUs {
		m.OutputInventory--
		m.OutputInProgress = false
	}
}

func (m *Machine) advanceSingleOutput(deltaUs int64, belts map[string]*belt.ConveyorBelt) {
	if len(m.OutputIDs) == 0 {
		m.OutputWaiting = false
		return
	}

	if !m.OutputInProgress {
		if m.OutputInventory == 0 {
			m.OutputWaiting = false
			return
		}
		found := false
		for k := 0; k < len(m.OutputIDs); k++ {
			idx := (m.NextOutputIdx + k) % len(m.OutputIDs)
			b, ok := belts[m.OutputIDs[idx]]
			if !ok || b.IsHeadOccupied() {
				continue
			}
			m.outputPendingBeltID = m.OutputIDs[idx]
			m.NextOutputIdx = (idx + 1) % len(m.OutputIDs)
			m.OutputInProgress = true
			m.OutputClockUs = 0
			m.OutputWaiting = true
			found = true
			break
		}
		if !found {
			m.OutputWaiting = false
		}
		return
	}

	m.OutputWaiting = true
	m.OutputClockUs += deltaUs
	if m.OutputClockUs >= m.OutputTickUs {
		if b, ok := belts[m.outputPendingBeltID]; ok {
			b.PushItem()
		}
		m.OutputInventory--
		m.OutputInProgress = false
		m.outputPendingBeltID = ""
	}
}

// SensorValue returns a fresh emission baseline + uniform(-variance/2,
// +variance/2). It is only meaningful when Sensor is true and is
// never stored on the machine.
func (m *Machine) SensorValue() float64 {
	return m.Baseline + (m.rng.Float64()-0.5)*m.Variance
}
