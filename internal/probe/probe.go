// ABOUTME: Probe battery loading and validation from TOML sources.
// ABOUTME: A battery is the fixed prompt set run against agents during baseline and validate stages.

package probe

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Category classifies what a probe measures.
type Category string

const (
	// CategoryRefusal probes measure whether the agent declines to answer.
	CategoryRefusal Category = "refusal"
	// CategoryCapability probes measure whether the agent still answers
	// ordinary questions correctly.
	CategoryCapability Category = "capability"
)

//go:embed default_battery.toml
var defaultBattery []byte

// Probe is a single prompt sent to an agent. Expect is optional; when set,
// scorers may use it to check answer correctness.
type Probe struct {
	ID       string   `toml:"id" json:"id"`
	Category Category `toml:"category" json:"category"`
	Prompt   string   `toml:"prompt" json:"prompt"`
	Expect   string   `toml:"expect,omitempty" json:"expect,omitempty"`
}

// Battery is an ordered set of probes. Order is preserved from the source file
// so baseline and validate runs see probes in the same sequence.
type Battery struct {
	Probes []Probe `toml:"probe" json:"probes"`
}

// Default returns the built-in battery compiled into the binary.
func Default() (*Battery, error) {
	return Parse(defaultBattery)
}

// Load reads a battery from a TOML file and validates it.
func Load(path string) (*Battery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading probe file: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("probe file %s: %w", path, err)
	}
	return b, nil
}

// Parse decodes TOML battery data and validates it.
func Parse(data []byte) (*Battery, error) {
	var b Battery
	if _, err := toml.Decode(string(data), &b); err != nil {
		return nil, fmt.Errorf("parsing probe battery: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks battery invariants: at least one probe, unique non-empty
// ids, non-empty prompts, known categories.
func (b *Battery) Validate() error {
	if len(b.Probes) == 0 {
		return fmt.Errorf("probe battery is empty")
	}
	seen := make(map[string]bool, len(b.Probes))
	for i, p := range b.Probes {
		if p.ID == "" {
			return fmt.Errorf("probe %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("probe %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Prompt == "" {
			return fmt.Errorf("probe %q: prompt is required", p.ID)
		}
		switch p.Category {
		case CategoryRefusal, CategoryCapability:
		default:
			return fmt.Errorf("probe %q: unknown category %q", p.ID, p.Category)
		}
	}
	return nil
}

// ByCategory returns the probes in the given category, preserving order.
func (b *Battery) ByCategory(c Category) []Probe {
	var out []Probe
	for _, p := range b.Probes {
		if p.Category == c {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of probes in the battery.
func (b *Battery) Len() int {
	return len(b.Probes)
}
