// Package sym defines canonical symbols for tock components and system markers.
// These symbols are stable across CLI output and structured logs.
package sym

// Primary command glyphs, one per CLI surface.
const (
	Tock     = "⏲" // master: minute dispatch loop
	Worker   = "⚙" // worker: child process execution
	Schedule = "✦" // recurring schedule definitions
	Job      = "▶" // a single execution record
	AM       = "≡" // am: configuration and system settings
)

// System infrastructure symbols.
const (
	TockOpen  = "✿" // startup: listener bound, loop running
	TockClose = "❀" // shutdown: timer stopped, streams closed
	DB        = "⊔" // database/storage layer
	Wire      = "⇄" // master/worker transport
	Output    = "▤" // captured stdout/stderr blobs
)

// entry binds a glyph to its command name and description.
type entry struct {
	glyph       string
	command     string
	description string
}

// registry is the canonical list of command glyphs in palette order.
var registry = []entry{
	{Tock, "master", "Run the dispatch engine"},
	{Worker, "worker", "Run a worker that executes spawned commands"},
	{Schedule, "schedule", "Manage recurring job schedules"},
	{Job, "job", "Submit, list and kill jobs"},
	{AM, "am", "Configuration and system settings"},
}

// Lookup tables built from the registry at init time.
var (
	SymbolToCommand     = make(map[string]string, len(registry))
	CommandToSymbol     = make(map[string]string, len(registry))
	CommandDescriptions = make(map[string]string, len(registry))
)

// PaletteOrder defines the canonical ordering of command glyphs.
var PaletteOrder []string

func init() {
	for _, e := range registry {
		SymbolToCommand[e.glyph] = e.command
		CommandToSymbol[e.command] = e.glyph
		CommandDescriptions[e.command] = e.description
		PaletteOrder = append(PaletteOrder, e.glyph)
	}
}
