// Package config parses and validates the factory configuration file:
// a viper-backed JSON loader producing a Factory description of
// machines and conveyors.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultConfigName is used by ControlRegisters when no config name has
// been set.
const DefaultConfigName = "factory.json"

// FaultSpec is the on-disk representation of a machine's fault table entry.
type FaultSpec struct {
	FaultChance      float64 `mapstructure:"faultChance" json:"faultChance"`
	FaultMessage     string  `mapstructure:"faultMessage" json:"faultMessage"`
	FaultTimeHighSec float64 `mapstructure:"faultTimeHighSec" json:"faultTimeHighSec"`
	FaultTimeLowSec  float64 `mapstructure:"faultTimeLowSec" json:"faultTimeLowSec"`
}

// MachineSpec is the on-disk representation of one machine.
type MachineSpec struct {
	ID                 string      `mapstructure:"id" json:"id"`
	Cost               uint64      `mapstructure:"cost" json:"cost"`
	Throughput         uint64      `mapstructure:"throughput" json:"throughput"`
	State              string      `mapstructure:"state" json:"state"`
	Faults             []FaultSpec `mapstructure:"faults" json:"faults"`
	InputIDs           []string    `mapstructure:"inputIDs" json:"inputIDs"`
	OutputIDs          []string    `mapstructure:"outputIDs" json:"outputIDs"`
	InputBehavior      string      `mapstructure:"inputBehavior" json:"inputBehavior"`
	ProcessingBehavior string      `mapstructure:"processingBehavior" json:"processingBehavior"`
	OutputBehavior     string      `mapstructure:"outputBehavior" json:"outputBehavior"`
	InputSpeedMs       uint64      `mapstructure:"inputSpeedMs" json:"inputSpeedMs"`
	ProcessingSpeedMs  uint64      `mapstructure:"processingSpeedMs" json:"processingSpeedMs"`
	OutputSpeedMs      uint64      `mapstructure:"outputSpeedMs" json:"outputSpeedMs"`
	InputCapacity      uint64      `mapstructure:"inputCapacity" json:"inputCapacity"`
	OutputCapacity     uint64      `mapstructure:"outputCapacity" json:"outputCapacity"`
	Sensor             bool        `mapstructure:"sensor" json:"sensor"`
	SensorBaseline     float64     `mapstructure:"sensorBaseline" json:"sensorBaseline"`
	SensorVariance     float64     `mapstructure:"sensorVariance" json:"sensorVariance"`
}

// ConveyorSpec is the on-disk representation of one belt.
type ConveyorSpec struct {
	ID          string  `mapstructure:"id" json:"id"`
	Capacity    int     `mapstructure:"capacity" json:"capacity"`
	BeltSpeedMs uint64  `mapstructure:"beltSpeedMs" json:"beltSpeedMs"`
	InputID     *string `mapstructure:"inputID" json:"inputID,omitempty"`
}

// Factory is the parsed "factory" object of the config file.
type Factory struct {
	Name                string         `mapstructure:"name" json:"name"`
	Description         string         `mapstructure:"description" json:"description"`
	SimSpeed            float64        `mapstructure:"simSpeed" json:"simSpeed"`
	PollRateMs          uint64         `mapstructure:"pollRateMs" json:"pollRateMs"`
	DebounceRateInPolls int            `mapstructure:"debounceRateInPolls" json:"debounceRateInPolls"`
	Machines            []MachineSpec  `mapstructure:"machines" json:"machines"`
	Conveyors           []ConveyorSpec `mapstructure:"conveyors" json:"conveyors"`
}

// File is the top-level config document: {"factory": {...}}.
type File struct {
	Factory Factory `mapstructure:"factory" json:"factory"`
}

// Load reads, parses, and structurally validates a factory config file.
func Load(path string) (*File, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("json")
	vp.AddConfigPath(filepath.Dir(path))

	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	var f File
	if err := vp.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := Validate(&f); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}

	return &f, nil
}

var validStates = map[string]bool{
	"": true, "producing": true, "faulted": true, "blocked": true, "starved": true,
}

var validInputBehaviors = map[string]bool{"": true, "spawner": true, "single": true}
var validProcessingBehaviors = map[string]bool{"": true, "default": true}
var validOutputBehaviors = map[string]bool{"": true, "consumer": true, "default": true}

// Validate performs the structural check toggleSim runs before letting
// the simulation go from STOP to RUNNING: required shape, enum
// membership, and numeric range checks. It deliberately does not
// reject an empty behavior selector — that is a per-machine runtime
// condition (the machine starts permanently faulted), not a config error.
func Validate(f *File) error {
	factory := &f.Factory
	if factory.SimSpeed <= 0 {
		return fmt.Errorf("factory.simSpeed must be > 0")
	}
	if factory.PollRateMs == 0 {
		return fmt.Errorf("factory.pollRateMs must be > 0")
	}

	seenMachine := map[string]bool{}
	for _, m := range factory.Machines {
		if m.ID == "" {
			return fmt.Errorf("machine with empty id")
		}
		if seenMachine[m.ID] {
			return fmt.Errorf("duplicate machine id %q", m.ID)
		}
		seenMachine[m.ID] = true

		if !validStates[m.State] {
			return fmt.Errorf("machine %q: invalid state %q", m.ID, m.State)
		}
		if !validInputBehaviors[m.InputBehavior] {
			return fmt.Errorf("machine %q: invalid inputBehavior %q", m.ID, m.InputBehavior)
		}
		if !validProcessingBehaviors[m.ProcessingBehavior] {
			return fmt.Errorf("machine %q: invalid processingBehavior %q", m.ID, m.ProcessingBehavior)
		}
		if !validOutputBehaviors[m.OutputBehavior] {
			return fmt.Errorf("machine %q: invalid outputBehavior %q", m.ID, m.OutputBehavior)
		}
		for _, fl := range m.Faults {
			if fl.FaultChance < 0 || fl.FaultChance > 1 {
				return fmt.Errorf("machine %q: faultChance must be in [0,1], got %v", m.ID, fl.FaultChance)
			}
			if fl.FaultTimeLowSec > fl.FaultTimeHighSec {
				return fmt.Errorf("machine %q: faultTimeLowSec must be <= faultTimeHighSec", m.ID)
			}
		}
	}

	seenBelt := map[string]bool{}
	for _, c := range factory.Conveyors {
		if c.ID == "" {
			return fmt.Errorf("conveyor with empty id")
		}
		if seenBelt[c.ID] {
			return fmt.Errorf("duplicate conveyor id %q", c.ID)
		}
		seenBelt[c.ID] = true
		if c.Capacity < 1 {
			return fmt.Errorf("conveyor %q: capacity must be >= 1", c.ID)
		}
	}

	return nil
}
