package registry

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Selector is the first 4 bytes of the keccak hash of a function signature.
type Selector [4]byte

// SelectorFromData returns the selector of raw call data.
// ok is false when data is shorter than 4 bytes.
func SelectorFromData(data []byte) (Selector, bool) {
	var s Selector
	if len(data) < 4 {
		return s, false
	}
	copy(s[:], data[:4])
	return s, true
}

// MustSelector parses a 0x-prefixed 4 byte hex string. It panics on malformed input
// and is meant for package level constants.
func MustSelector(h string) Selector {
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil || len(b) != 4 {
		panic(fmt.Sprintf("registry: invalid selector %q", h))
	}
	var s Selector
	copy(s[:], b)
	return s
}

func (s Selector) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// MarshalText encodes the selector as 0x-prefixed hex.
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses 0x-prefixed hex.
func (s *Selector) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil || len(b) != 4 {
		return fmt.Errorf("invalid selector %q", text)
	}
	copy(s[:], b)
	return nil
}

// Well known selectors.
var (
	MultiSendSelector       = MustSelector("0x8d80ff0a")
	ExecTransactionSelector = MustSelector("0x6a761202")
)

// Source is a named contract ABI in JSON form.
type Source struct {
	Name string
	ABI  string
}

// Entry is the resolved definition of a selector.
type Entry struct {
	Method *abi.Method
	// Source is the name of the ABI source the definition came from.
	Source string
}

// Registry maps selectors to function definitions. It is immutable after New
// returns, so a single instance can be shared by any number of decoders.
type Registry struct {
	entries map[Selector]Entry
	sources []string
}

// New builds a registry from sources in order. When two sources define the
// same selector the later one wins.
func New(sources ...Source) (*Registry, error) {
	r := &Registry{
		entries: make(map[Selector]Entry),
		sources: make([]string, 0, len(sources)),
	}
	for _, src := range sources {
		parsed, err := abi.JSON(strings.NewReader(src.ABI))
		if err != nil {
			return nil, fmt.Errorf("parse abi %s: %w", src.Name, err)
		}
		// Map iteration order is random, sort so overloads inside one source
		// are inserted deterministically.
		names := make([]string, 0, len(parsed.Methods))
		for name := range parsed.Methods {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m := parsed.Methods[name]
			var sel Selector
			copy(sel[:], m.ID)
			r.entries[sel] = Entry{Method: &m, Source: src.Name}
		}
		r.sources = append(r.sources, src.Name)
	}
	return r, nil
}

// Resolve looks up a selector.
func (r *Registry) Resolve(sel Selector) (Entry, bool) {
	e, ok := r.entries[sel]
	return e, ok
}

// Contains reports whether sel is known.
func (r *Registry) Contains(sel Selector) bool {
	_, ok := r.entries[sel]
	return ok
}

// Len returns the number of registered selectors.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Selectors returns all registered selectors sorted by value.
func (r *Registry) Selectors() []Selector {
	out := make([]Selector, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Sources returns the source names in insertion order.
func (r *Registry) Sources() []string {
	return append([]string(nil), r.sources...)
}

// SafeSources returns the wallet contract ABIs, oldest first so newer versions
// win on selectors shared with a renamed parameter (dataGas -> baseGas).
func SafeSources() []Source {
	return []Source{
		{Name: "safe-v0.0.1", ABI: safeV001ABI},
		{Name: "safe-v1.0.0", ABI: safeV100ABI},
		{Name: "safe-v1.1.1", ABI: safeV111ABI},
		{Name: "safe-v1.3.0", ABI: safeV130ABI},
	}
}

// ExtendedSources returns every known ABI. Third party contracts come first so
// the wallet ABIs always take precedence on a collision, and ERC20 follows
// ERC721 so fungible transfers resolve with ERC20 parameter names.
func ExtendedSources() []Source {
	out := []Source{
		{Name: "uniswap-v2-router", ABI: uniswapV2RouterABI},
		{Name: "erc721", ABI: ERC721ABI},
		{Name: "erc20", ABI: ERC20ABI},
		{Name: "multisend", ABI: multiSendABI},
	}
	return append(out, SafeSources()...)
}

// NewSafe builds the minimal registry used where only wallet calls may be
// interpreted.
func NewSafe() (*Registry, error) {
	return New(SafeSources()...)
}

// NewExtended builds the registry used for best effort decoration.
func NewExtended() (*Registry, error) {
	return New(ExtendedSources()...)
}
