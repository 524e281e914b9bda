package machine

// Status is the debounced observable status of a Machine.
type Status int

const (
	StatusProducing Status = iota
	StatusStarved
	StatusBlocked
	StatusStarvedBlocked
	StatusFaulted
)

// String renders the status the way the OPC projection wants it:
// lowercase, underscore-separated.
func (s Status) String() string {
	switch s {
	case StatusProducing:
		return "producing"
	case StatusStarved:
		return "starved"
	case StatusBlocked:
		return "blocked"
	case StatusStarvedBlocked:
		return "starved_blocked"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ParseStatus maps a config-file state string to a Status, defaulting to
// StatusProducing for an empty or unrecognized value.
func ParseStatus(s string) Status {
	switch s {
	case "starved":
		return StatusStarved
	case "blocked":
		return StatusBlocked
	case "starved_blocked":
		return StatusStarvedBlocked
	case "faulted":
		return StatusFaulted
	default:
		return StatusProducing
	}
}

func composeStatus(starved, blocked bool) Status {
	switch {
	case starved && blocked:
		return StatusStarvedBlocked
	case starved:
		return StatusStarved
	case blocked:
		return StatusBlocked
	default:
		return StatusProducing
	}
}

func decomposeStatus(s Status) (starved, blocked bool) {
	switch s {
	case StatusStarved:
		return true, false
	case StatusBlocked:
		return false, true
	case StatusStarvedBlocked:
		return true, true
	default:
		return false, false
	}
}

// ClassifyStatus runs the debounced status classifier. It is a no-op
// while processing is in progress or the machine is FAULTED, and is meant to
// be invoked once per OPC poll, never once per tick.
func (m *Machine) ClassifyStatus() {
	if m.ProcessingInProgress || m.Status == StatusFaulted {
		return
	}

	rawStarved := m.InputInventory < m.Cost && !m.InputWaiting
	rawBlocked := (m.OutputInventory != 0 || m.OutputCapacity < m.Throughput) && !m.OutputWaiting
	rawProducing := !rawStarved && !rawBlocked

	// Each dimension (starved, blocked) is debounced independently: a
	// proposed value for that dimension — whether setting or clearing it —
	// only commits once the raw condition has matched the prior call's raw
	// value, i.e. held across two consecutive classifications. This is what
	// lets STARVED_BLOCKED resolve to BLOCKED or STARVED when only one
	// dimension clears, rather than requiring both to clear at once.
	starved, blocked := decomposeStatus(m.Status)
	if rawStarved == m.InputDebounce {
		starved = rawStarved
	}
	if rawBlocked == m.OutputDebounce {
		blocked = rawBlocked
	}

	m.InputDebounce = rawStarved
	m.OutputDebounce = rawBlocked
	m.ProcessDebounce = rawProducing

	next := composeStatus(starved, blocked)
	if next != m.Status {
		m.Status = next
		m.StateChangeCount++
	}
}
