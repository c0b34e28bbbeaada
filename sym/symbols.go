// Package sym defines the glyphs scribe prints on worker lifecycle lines and
// in CLI output. They are stable across the HTTP event stream and logs.
package sym

// System markers.
const (
	Pulse      = "꩜" // job scheduling, rate limiting, ledger
	PulseOpen  = "✿" // startup with stale job recovery
	PulseClose = "❀" // shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
	Doc        = "▤" // assembled document
	Ledger     = "¤" // token ledger
	Cache      = "≋" // response cache
)

var byName = map[string]string{
	"pulse":       Pulse,
	"pulse-open":  PulseOpen,
	"pulse-close": PulseClose,
	"db":          DB,
	"doc":         Doc,
	"ledger":      Ledger,
	"cache":       Cache,
}

// Lookup returns the glyph registered under name.
func Lookup(name string) (string, bool) {
	g, ok := byName[name]
	return g, ok
}
