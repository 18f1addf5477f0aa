package divago

import "github.com/n3slami/divago/internal/infixstore"

// Config carries the tunable parameters of spec.md §4.4.1.
type Config struct {
	// InfixSize is the remainder width in bits stored per infix; it
	// trades space for false-positive rate.
	InfixSize int

	// LoadFactor is the soft grow threshold a store's occupancy trips
	// before the next insert is attempted.
	LoadFactor float64

	// LoadFactorAlt is the occupancy ceiling of spec.md §3.5's invariant
	// list; Store.OverAltCeiling reports whether a store is above it.
	// Inserts do not check it: a store at the top grade keeps accepting
	// inserts until it is physically full.
	LoadFactorAlt float64

	// Seed is the hash seed used only for on-disk identifiers; Diva's
	// filter itself is hash-free and stores raw bit slices of the key.
	Seed uint64

	// IntegerOptimized restricts keys to fixed 8-byte big-endian
	// integers (spec.md §3.1's `O=true` variant) instead of
	// variable-length byte strings.
	IntegerOptimized bool
}

// integerKeyWidth is the fixed key width, in bytes, of the
// integer-optimised variant.
const integerKeyWidth = 8

// byteStringKeyWidth is the sentinel width used for the general
// variant's min/max boundary keys; actual keys may be longer or
// shorter, and are compared under boundary.BitAt's zero-padding
// convention regardless.
const byteStringKeyWidth = 8

// DefaultConfig returns sensible defaults for the general (non-integer)
// variant at the given infix size.
func DefaultConfig(infixSize int) Config {
	ic := infixstore.DefaultConfig(infixSize)
	return Config{
		InfixSize:     infixSize,
		LoadFactor:    ic.LoadFactor,
		LoadFactorAlt: ic.LoadFactorAlt,
	}
}

func (c Config) storeConfig() infixstore.Config {
	return infixstore.Config{
		InfixSize:     c.InfixSize,
		LoadFactor:    c.LoadFactor,
		LoadFactorAlt: c.LoadFactorAlt,
	}
}

func (c Config) keyWidth() int {
	if c.IntegerOptimized {
		return integerKeyWidth
	}
	return byteStringKeyWidth
}
