package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sourceA = `[{"type":"function","name":"pay","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}]`
	sourceB = `[{"type":"function","name":"pay","inputs":[{"name":"recipient","type":"address"},{"name":"wad","type":"uint256"}],"outputs":[]}]`
)

func TestNew_LastSourceWins(t *testing.T) {
	r, err := New(Source{Name: "a", ABI: sourceA}, Source{Name: "b", ABI: sourceB})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	sel := MustSelector("0xc4076876") // pay(address,uint256)
	e, ok := r.Resolve(sel)
	require.True(t, ok)
	assert.Equal(t, "b", e.Source)
	assert.Equal(t, "recipient", e.Method.Inputs[0].Name)
	assert.Equal(t, "wad", e.Method.Inputs[1].Name)

	// Reversed order flips the winner
	r, err = New(Source{Name: "b", ABI: sourceB}, Source{Name: "a", ABI: sourceA})
	require.NoError(t, err)
	e, _ = r.Resolve(sel)
	assert.Equal(t, "a", e.Source)
	assert.Equal(t, []string{"b", "a"}, r.Sources())
}

func TestNew_InvalidABI(t *testing.T) {
	_, err := New(Source{Name: "broken", ABI: "not json"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestResolve_NotFound(t *testing.T) {
	r, err := NewSafe()
	require.NoError(t, err)
	_, ok := r.Resolve(MustSelector("0xdeadbeef"))
	assert.False(t, ok)
}

func TestSafeRegistry_ExecTransactionUsesNewestNames(t *testing.T) {
	r, err := NewSafe()
	require.NoError(t, err)

	e, ok := r.Resolve(ExecTransactionSelector)
	require.True(t, ok)
	assert.Equal(t, "execTransaction", e.Method.RawName)
	assert.Equal(t, "baseGas", e.Method.Inputs[5].Name)
	assert.Equal(t, "safe-v1.3.0", e.Source)

	// v1.0.0-only setup survives because no later source redefines it
	legacySetup := MustSelector("0xa97ab18a")
	e, ok = r.Resolve(legacySetup)
	require.True(t, ok)
	assert.Equal(t, "safe-v1.0.0", e.Source)
}

func TestSafeRegistry_KnowsPersonalEditionCalls(t *testing.T) {
	r, err := NewSafe()
	require.NoError(t, err)
	assert.Equal(t, "safe-v0.0.1", r.Sources()[0])

	legacy, err := abi.JSON(strings.NewReader(safeV001ABI))
	require.NoError(t, err)
	selectorOf := func(name string) Selector {
		sel, ok := SelectorFromData(legacy.Methods[name].ID)
		require.True(t, ok, name)
		return sel
	}

	for _, name := range []string{"execTransactionAndPaySubmitter", "setup"} {
		e, ok := r.Resolve(selectorOf(name))
		require.True(t, ok, name)
		assert.Equal(t, "safe-v0.0.1", e.Source, name)
		assert.Equal(t, name, e.Method.RawName)
	}
	assert.Len(t, legacy.Methods["setup"].Inputs, 4)

	// Owner management is shared, so a later release owns it
	e, ok := r.Resolve(selectorOf("swapOwner"))
	require.True(t, ok)
	assert.Equal(t, "safe-v1.3.0", e.Source)
}

func TestSafeRegistry_IsStrictSubsetOfExtended(t *testing.T) {
	safe, err := NewSafe()
	require.NoError(t, err)
	ext, err := NewExtended()
	require.NoError(t, err)

	assert.Greater(t, ext.Len(), safe.Len())
	for _, sel := range safe.Selectors() {
		assert.True(t, ext.Contains(sel), "extended registry misses %s", sel)
	}
	assert.False(t, safe.Contains(MultiSendSelector))
	assert.True(t, ext.Contains(MultiSendSelector))
}

func TestExtendedRegistry_ERC20WinsOverERC721(t *testing.T) {
	r, err := NewExtended()
	require.NoError(t, err)

	e, ok := r.Resolve(MustSelector("0x23b872dd")) // transferFrom(address,address,uint256)
	require.True(t, ok)
	assert.Equal(t, "erc20", e.Source)
	assert.Equal(t, "amount", e.Method.Inputs[2].Name)

	e, ok = r.Resolve(MustSelector("0xa9059cbb")) // transfer(address,uint256)
	require.True(t, ok)
	assert.Equal(t, "transfer", e.Method.RawName)
}

func TestSelectorFromData(t *testing.T) {
	_, ok := SelectorFromData([]byte{0x01, 0x02})
	assert.False(t, ok)

	s, ok := SelectorFromData([]byte{0x8d, 0x80, 0xff, 0x0a, 0x00})
	assert.True(t, ok)
	assert.Equal(t, MultiSendSelector, s)
	assert.Equal(t, "0x8d80ff0a", s.String())
}

func TestMustSelector_Panics(t *testing.T) {
	assert.Panics(t, func() { MustSelector("0x1234") })
}

func TestSelector_Text(t *testing.T) {
	b, err := MultiSendSelector.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0x8d80ff0a", string(b))

	var s Selector
	require.NoError(t, s.UnmarshalText(b))
	assert.Equal(t, MultiSendSelector, s)
	assert.Error(t, s.UnmarshalText([]byte("0x12")))
}
