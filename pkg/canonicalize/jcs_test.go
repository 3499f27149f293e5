package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(out))
}

func TestJCSDeterministic(t *testing.T) {
	v := map[string]any{
		"nested": map[string]any{"b": []int{1, 2}, "a": "x"},
		"top":    "value",
	}
	first, err := JCS(v)
	require.NoError(t, err)
	second, err := JCS(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"url": "https://a.example/?x=1&y=2"})
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(out), `&`), "ampersand must not be escaped: %s", out)
}

func TestCanonicalHashStable(t *testing.T) {
	a, err := CanonicalHash(map[string]int{"x": 1, "y": 2})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]int{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
}

func TestJCSRejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}
