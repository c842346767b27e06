package templating_test

import (
	"errors"
	"testing"

	"github.com/d9705996/oncall/internal/templating"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Payload(t *testing.T) {
	out, err := templating.Render("{{ .payload.labels.severity | upper }}", map[string]any{
		"labels": map[string]any{"severity": "critical"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", out)
}

func TestRender_TrimsWhitespace(t *testing.T) {
	out, err := templating.Render("  {{ .payload.id }}\n", map[string]any{"id": "42"})
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestRender_ParseError(t *testing.T) {
	_, err := templating.Render("{{ .payload.x", map[string]any{})
	require.Error(t, err)
	var tErr *templating.Error
	assert.True(t, errors.As(err, &tErr))
}

func TestRender_EnvIsNotExposed(t *testing.T) {
	_, err := templating.Render(`{{ env "HOME" }}`, nil)
	require.Error(t, err)
}

func TestRender_RegexSearch(t *testing.T) {
	out, err := templating.Render(`{{ regex_search "tes" .payload.name }}`, map[string]any{"name": "test"})
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestIsTruthy(t *testing.T) {
	for _, s := range []string{"1", "true", "OK", " True "} {
		assert.True(t, templating.IsTruthy(s), s)
	}
	for _, s := range []string{"", "0", "false", "yes", "resolved"} {
		assert.False(t, templating.IsTruthy(s), s)
	}
}

func TestRenderCondition(t *testing.T) {
	ok, err := templating.RenderCondition(`{{ eq .payload.status "resolved" }}`, map[string]any{"status": "resolved"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = templating.RenderCondition("", map[string]any{"status": "resolved"})
	require.NoError(t, err)
	assert.False(t, ok)
}
