package model

// PrinterState mirrors the destination's high-level condition.
type PrinterState int

const (
	PrinterIdle PrinterState = iota + 3
	PrinterProcessing
	PrinterStopped
)

func (s PrinterState) String() string {
	switch s {
	case PrinterIdle:
		return "idle"
	case PrinterProcessing:
		return "processing"
	case PrinterStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Printer is one configured or browsed destination. Mutated only by the
// scheduler thread.
type Printer struct {
	Name         string
	URI          string
	Info         string
	Location     string
	MakeModel    string
	Shared       bool
	Remote       bool // learned from browsing, not local config
	Accepting    bool
	State        PrinterState
	StateMessage string
	// BrowseTime is the last time we advertised (local) or heard from
	// (remote) this printer.
	BrowseTime int64
	History    *History
	// FilterChain is the argv prefix run ahead of the backend for each
	// job on this printer.
	FilterChain [][]string
}

// PrinterView is the JSON shape for the admin API and the Redis mirror.
type PrinterView struct {
	Name         string `json:"name"`
	URI          string `json:"uri"`
	Info         string `json:"info,omitempty"`
	Location     string `json:"location,omitempty"`
	MakeModel    string `json:"make_model,omitempty"`
	Shared       bool   `json:"shared"`
	Remote       bool   `json:"remote"`
	Accepting    bool   `json:"accepting"`
	State        string `json:"state"`
	StateMessage string `json:"state_message,omitempty"`
}

// View snapshots the printer for readers outside the scheduler thread.
func (p *Printer) View() PrinterView {
	return PrinterView{
		Name:         p.Name,
		URI:          p.URI,
		Info:         p.Info,
		Location:     p.Location,
		MakeModel:    p.MakeModel,
		Shared:       p.Shared,
		Remote:       p.Remote,
		Accepting:    p.Accepting,
		State:        p.State.String(),
		StateMessage: p.StateMessage,
	}
}
