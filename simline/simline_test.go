package simline

import (
	"math/rand"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"lineserver/config"
	"lineserver/graph"
	"lineserver/opcspace"
	"lineserver/registers"
)

// fakeSpace is a no-op AddressSpace double, used so driver tests never
// touch the real OPC UA library.
type fakeSpace struct {
	built     []string
	refreshes int
	torndown  bool
}

func (f *fakeSpace) Build(machineIDs []string) error {
	f.built = machineIDs
	return nil
}

func (f *fakeSpace) Refresh(snapshots []opcspace.MachineSnapshot) error {
	f.refreshes++
	return nil
}

func (f *fakeSpace) Teardown() error {
	f.torndown = true
	return nil
}

func spawnerConsumerFactory() *config.Factory {
	return &config.Factory{
		SimSpeed:   1,
		PollRateMs: 50,
		Machines: []config.MachineSpec{
			{
				ID: "src", Cost: 1, Throughput: 1, State: "producing",
				OutputIDs:          []string{"b1"},
				InputBehavior:      "spawner",
				ProcessingBehavior: "default",
				OutputBehavior:     "default",
				ProcessingSpeedMs:  1,
				InputCapacity:      1000, OutputCapacity: 1000,
			},
			{
				ID: "snk", Cost: 1, Throughput: 1, State: "producing",
				InputIDs:           []string{"b1"},
				InputBehavior:      "single",
				ProcessingBehavior: "default",
				OutputBehavior:     "consumer",
				ProcessingSpeedMs:  1,
				InputCapacity:      1000, OutputCapacity: 1000,
			},
		},
		Conveyors: []config.ConveyorSpec{
			{ID: "b1", Capacity: 3, BeltSpeedMs: 1},
		},
	}
}

func newTestDriver(t *testing.T, simSpeed float64) (*Driver, *registers.ControlRegisters, *fakeSpace, *graph.Graph) {
	t.Helper()
	g, err := graph.NewBuilder(spawnerConsumerFactory(), rand.New(rand.NewSource(1))).Build()
	So(err, ShouldBeNil)
	regs := registers.New()
	space := &fakeSpace{}
	d := New(g, regs, space, 50_000, simSpeed)
	return d, regs, space, g
}

func TestDriverStopsWhenRegistersLeaveRunning(t *testing.T) {
	Convey("Run returns promptly once the registers move to STOP", t, func() {
		d, regs, space, _ := newTestDriver(t, 1)
		regs.StartRunning()

		done := make(chan struct{})
		go func() {
			d.Run()
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		regs.SetState(registers.StateStop)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after STOP")
		}
		So(space.torndown, ShouldBeTrue)
		So(space.built, ShouldResemble, []string{"src", "snk"})
	})
}

func TestDriverHonorsTimerLimit(t *testing.T) {
	Convey("A positive timer limit auto-stops the run once activeClock exceeds it", t, func() {
		d, regs, _, _ := newTestDriver(t, 1000)
		regs.StartRunning()
		regs.SetTimerLimitUs(1) // effectively immediate once any Δt accrues

		done := make(chan struct{})
		go func() {
			d.Run()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not auto-stop on timer expiry")
		}
		So(regs.State(), ShouldEqual, registers.StateStop)
	})
}

func TestDriverPauseFreezesActiveClockButNotRuntime(t *testing.T) {
	Convey("Pausing stops activeClock from advancing while runtimeClock keeps moving", t, func() {
		d, regs, _, _ := newTestDriver(t, 1)
		regs.StartRunning()

		done := make(chan struct{})
		go func() {
			d.Run()
			close(done)
		}()

		time.Sleep(15 * time.Millisecond)
		regs.SetState(registers.StatePaused)
		activeAtPause, _ := regs.Clocks()
		time.Sleep(15 * time.Millisecond)
		activeStillPaused, runtimeStillPaused := regs.Clocks()

		So(activeStillPaused, ShouldEqual, activeAtPause)
		So(runtimeStillPaused, ShouldBeGreaterThan, activeStillPaused)

		regs.SetState(registers.StateStop)
		<-done
	})
}

func TestDriverAdvancesLineEndToEnd(t *testing.T) {
	Convey("A spawner-belt-consumer line produces items once running", t, func() {
		d, regs, _, g := newTestDriver(t, 1000)
		regs.StartRunning()

		done := make(chan struct{})
		go func() {
			d.Run()
			close(done)
		}()

		time.Sleep(50 * time.Millisecond)
		regs.SetState(registers.StateStop)
		<-done

		src := g.Machines[0]
		snk := g.Machines[1]
		So(src.ProducedCount, ShouldBeGreaterThan, 0)
		So(snk.ConsumedCount, ShouldBeGreaterThanOrEqualTo, 0)
	})
}
