package graph

import (
	"errors"
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"lineserver/config"
	"lineserver/machine"
)

func strp(s string) *string { return &s }

func lineFactory() *config.Factory {
	return &config.Factory{
		Name:       "demo-line",
		SimSpeed:   1,
		PollRateMs: 100,
		Machines: []config.MachineSpec{
			{
				ID: "src", Cost: 1, Throughput: 1, State: "producing",
				OutputIDs:          []string{"b1"},
				InputBehavior:      "spawner",
				ProcessingBehavior: "default",
				OutputBehavior:     "default",
				ProcessingSpeedMs:  100,
				InputCapacity:      10, OutputCapacity: 10,
			},
			{
				ID: "snk", Cost: 1, Throughput: 1, State: "producing",
				InputIDs:           []string{"b1"},
				InputBehavior:      "single",
				ProcessingBehavior: "default",
				OutputBehavior:     "consumer",
				ProcessingSpeedMs:  100,
				InputCapacity:      10, OutputCapacity: 10,
			},
		},
		Conveyors: []config.ConveyorSpec{
			{ID: "b1", Capacity: 3, BeltSpeedMs: 50},
		},
	}
}

func TestBuildValidGraph(t *testing.T) {
	Convey("A well-formed factory builds a graph with machines and belts in order", t, func() {
		g, err := NewBuilder(lineFactory(), rand.New(rand.NewSource(1))).Build()
		So(err, ShouldBeNil)
		So(g.MachineOrder, ShouldResemble, []string{"src", "snk"})
		So(g.BeltOrder, ShouldResemble, []string{"b1"})
		So(g.Belts["b1"].Capacity(), ShouldEqual, 3)
		So(len(g.Machines), ShouldEqual, 2)
	})

	Convey("outputBehavior \"default\" maps to OutputSingle, not OutputConsumer", t, func() {
		g, err := NewBuilder(lineFactory(), rand.New(rand.NewSource(1))).Build()
		So(err, ShouldBeNil)
		So(g.Machines[0].OutputBehavior, ShouldEqual, machine.OutputSingle)
		So(g.Machines[1].OutputBehavior, ShouldEqual, machine.OutputConsumer)
	})
}

func TestBuildUnknownUpstream(t *testing.T) {
	Convey("A conveyor naming a nonexistent upstream fails to build", t, func() {
		f := lineFactory()
		f.Conveyors[0].InputID = strp("ghost")
		_, err := NewBuilder(f, rand.New(rand.NewSource(1))).Build()
		So(err, ShouldNotBeNil)
		So(errors.Is(err, ErrUnknownUpstream), ShouldBeTrue)
	})
}

func TestBuildCyclicBelts(t *testing.T) {
	Convey("A belt that is its own transitive upstream fails to build", t, func() {
		f := lineFactory()
		f.Conveyors = append(f.Conveyors, config.ConveyorSpec{
			ID: "b2", Capacity: 2, BeltSpeedMs: 50, InputID: strp("b1"),
		})
		f.Conveyors[0].InputID = strp("b2")
		_, err := NewBuilder(f, rand.New(rand.NewSource(1))).Build()
		So(err, ShouldNotBeNil)
		So(errors.Is(err, ErrCyclicBelt), ShouldBeTrue)
	})

	Convey("A self-referencing belt fails to build", t, func() {
		f := lineFactory()
		f.Conveyors[0].InputID = strp("b1")
		_, err := NewBuilder(f, rand.New(rand.NewSource(1))).Build()
		So(err, ShouldNotBeNil)
		So(errors.Is(err, ErrCyclicBelt), ShouldBeTrue)
	})
}

func TestBuildBehaviorWarnings(t *testing.T) {
	Convey("A machine with an unset stage behavior is reported as a warning, not a build error", t, func() {
		f := lineFactory()
		f.Machines[0].OutputBehavior = ""
		g, err := NewBuilder(f, rand.New(rand.NewSource(1))).Build()
		So(err, ShouldBeNil)
		So(g.BehaviorWarnings(), ShouldResemble, []string{"src"})
	})
}
