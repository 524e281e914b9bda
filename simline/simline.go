// Package simline implements the single-threaded simulation driver: a
// busy, monotonic-clock loop that derives Δt, scales it by simSpeed,
// advances the machine/belt graph, and periodically refreshes the OPC
// address space.
package simline

import (
	"time"

	"github.com/rs/zerolog/log"

	"lineserver/graph"
	"lineserver/opcspace"
	"lineserver/registers"
)

// Publisher receives a copy of every poll's snapshots, for consumers
// that want a live feed (e.g. httpapi's dashboard websocket) beyond the
// OPC address space.
type Publisher interface {
	Publish(snapshots []opcspace.MachineSnapshot)
}

// Driver owns one run of the machine/belt graph from RUNNING to
// STOP/EXIT. It is the sole writer of machine and belt state; nothing
// else touches the graph while the driver is running.
type Driver struct {
	graph      *graph.Graph
	regs       *registers.ControlRegisters
	space      opcspace.AddressSpace
	pollRateUs int64
	simSpeed   float64
	publisher  Publisher

	pollAccumulatorUs int64
	pauseSeen         bool
}

// New returns a Driver for g, steered by regs, projecting state through
// space on the given poll cadence, scaling Δt by simSpeed.
func New(g *graph.Graph, regs *registers.ControlRegisters, space opcspace.AddressSpace, pollRateUs int64, simSpeed float64) *Driver {
	return &Driver{graph: g, regs: regs, space: space, pollRateUs: pollRateUs, simSpeed: simSpeed}
}

// SetPublisher wires an optional live-feed consumer. Call before Run.
func (d *Driver) SetPublisher(p Publisher) { d.publisher = p }

// Run blocks, busy-iterating the driver loop until regs transitions
// away from RUNNING/PAUSED. It builds the OPC address space on entry
// and tears it down on exit, logging per-machine counters as it leaves.
func (d *Driver) Run() {
	if err := d.space.Build(d.graph.MachineOrder); err != nil {
		log.Error().Err(err).Msg("opc build failed; continuing without address space")
	}
	defer d.teardown()

	tPrev := time.Now()
	for {
		state := d.regs.State()
		if state != registers.StateRunning && state != registers.StatePaused {
			return
		}

		tNow := time.Now()
		deltaRaw := tNow.Sub(tPrev).Microseconds()
		deltaUs := int64(float64(deltaRaw) * d.simSpeed)

		running := state == registers.StateRunning
		d.regs.AddClocks(deltaUs, running)

		if state == registers.StatePaused {
			tPrev = tNow
			d.pauseSeen = true
			continue
		}

		if d.pauseSeen {
			d.pauseSeen = false
			deltaUs = 0
		}

		active, _ := d.regs.Clocks()
		limit := d.regs.TimerLimitUs()
		if limit > 0 && active >= limit {
			d.regs.SetState(registers.StateStop)
			tPrev = tNow
			continue
		}

		d.step(deltaUs)

		d.pollAccumulatorUs += deltaUs
		for d.pollAccumulatorUs >= d.pollRateUs {
			d.pollAccumulatorUs -= d.pollRateUs
			d.poll()
		}

		tPrev = tNow
	}
}

// step advances every machine in configured order, then every belt in
// configured order, resolving upstream hand-off before the internal
// cell advance.
func (d *Driver) step(deltaUs int64) {
	for _, m := range d.graph.Machines {
		m.Tick(deltaUs, d.graph.Belts)
	}
	for _, id := range d.graph.BeltOrder {
		b := d.graph.Belts[id]
		if upstreamID := b.InputID(); upstreamID != "" {
			b.TakeInput(d.graph.Belts[upstreamID])
		}
		b.Advance(deltaUs)
	}
}

// poll runs the status classifier over every machine, then refreshes
// the OPC address space.
func (d *Driver) poll() {
	snapshots := make([]opcspace.MachineSnapshot, 0, len(d.graph.Machines))
	for _, m := range d.graph.Machines {
		m.ClassifyStatus()

		faultMessage := ""
		if m.CurrentFault != nil {
			faultMessage = m.CurrentFault.Message
		}

		snap := opcspace.MachineSnapshot{
			ID:               m.ID,
			Status:           m.Status.String(),
			FaultMessage:     faultMessage,
			ProducedCount:    m.ProducedCount,
			ConsumedCount:    m.ConsumedCount,
			StateChangeCount: m.StateChangeCount,
			FaultedCount:     m.FaultedCount,
			InputInventory:   m.InputInventory,
			OutputInventory:  m.OutputInventory,
			Sensor:           m.Sensor,
		}
		if m.Sensor {
			snap.SensorValue = m.SensorValue()
		}
		snapshots = append(snapshots, snap)
	}

	if err := d.space.Refresh(snapshots); err != nil {
		log.Error().Err(err).Msg("opc refresh failed for this poll")
	}
	if d.publisher != nil {
		d.publisher.Publish(snapshots)
	}
}

func (d *Driver) teardown() {
	if err := d.space.Teardown(); err != nil {
		log.Error().Err(err).Msg("opc teardown failed")
	}
	for _, m := range d.graph.Machines {
		log.Info().
			Str("machine", m.ID).
			Uint64("produced", m.ProducedCount).
			Uint64("consumed", m.ConsumedCount).
			Uint64("stateChanges", m.StateChangeCount).
			Uint64("faults", m.FaultedCount).
			Msg("machine counters at stop")
	}
}

