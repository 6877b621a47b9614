package policy

import (
	"strings"
	"testing"

	"github.com/cuemby/fednode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(10, 3, 50_000, 1000, false, 1.0)
}

func TestValidateScriptSafe(t *testing.T) {
	e := newTestEngine()
	result := e.ValidateScript("df = load_data()\nresult = {'n': len(df)}\n", types.ScriptKindPython)
	assert.True(t, result.IsSafe)
	assert.Equal(t, RiskLow, result.RiskLevel)
	assert.Empty(t, result.BlockedPattern)
}

func TestValidateScriptHighRiskBlocksImmediately(t *testing.T) {
	e := newTestEngine()
	result := e.ValidateScript("import os\nos.system('rm -rf /')\n", types.ScriptKindPython)
	assert.False(t, result.IsSafe)
	assert.Equal(t, RiskHigh, result.RiskLevel)
	assert.Contains(t, result.BlockedPattern, "os.system")
}

func TestValidateScriptPythonProcessSpawnIsHighRisk(t *testing.T) {
	e := newTestEngine()
	for _, script := range []string{
		"import subprocess\nsubprocess.run(['ls'])\n",
		"import os\nos.popen('ls').read()\n",
		"f = eval('lambda: 1')\n",
	} {
		result := e.ValidateScript(script, types.ScriptKindPython)
		assert.False(t, result.IsSafe, "script should be unsafe: %q", script)
		assert.Equal(t, RiskHigh, result.RiskLevel)
	}
}

func TestValidateScriptSQLDangerousKeywords(t *testing.T) {
	e := newTestEngine()
	result := e.ValidateScript("DROP TABLE patients; --", types.ScriptKindSQL)
	assert.False(t, result.IsSafe)
	assert.Equal(t, RiskHigh, result.RiskLevel)
}

func TestValidateScriptMediumRiskOnManyMatches(t *testing.T) {
	e := newTestEngine()
	script := "curl http://x\nwget http://y\nssh host\nscp a b\nrsync a b\n"
	result := e.ValidateScript(script, types.ScriptKindShell)
	assert.True(t, result.IsSafe)
	assert.Equal(t, RiskMedium, result.RiskLevel)
}

func TestValidateScriptOversized(t *testing.T) {
	e := NewEngine(10, 3, 10, 1000, false, 1.0)
	result := e.ValidateScript(strings.Repeat("x", 100), types.ScriptKindPython)
	assert.Equal(t, RiskMedium, result.RiskLevel)
}

func TestHashScriptIsStableSHA256(t *testing.T) {
	h1 := HashScript("print(1)")
	h2 := HashScript("print(1)")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestReleaseBlockedBelowCohortSize(t *testing.T) {
	e := newTestEngine()
	decision := e.Release(map[string]any{"mean": 1.5}, 3)
	require.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "cohort size (3)")
	assert.Contains(t, decision.Reason, "minimum (10)")
}

func TestReleaseBlockedOnIndividualData(t *testing.T) {
	e := newTestEngine()
	decision := e.Release(map[string]any{"subject_id": "abc", "score": 1.0}, 50)
	require.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "individual-level")
}

func TestReleasePassesAndRoundsFloats(t *testing.T) {
	e := newTestEngine()
	decision := e.Release(map[string]any{"mean": 1.23456789}, 50)
	require.False(t, decision.Blocked)
	assert.InDelta(t, 1.235, decision.Data["mean"], 0.0005)
}

func TestReleaseCollapsesLongLists(t *testing.T) {
	e := newTestEngine()
	values := make([]any, 20)
	decision := e.Release(map[string]any{"values": values}, 50)
	require.False(t, decision.Blocked)
	assert.Equal(t, "<list of 20 items>", decision.Data["values"])
}

func TestReleaseKeepsShortLists(t *testing.T) {
	e := newTestEngine()
	values := []any{1, 2, 3}
	decision := e.Release(map[string]any{"values": values}, 50)
	require.False(t, decision.Blocked)
	assert.Equal(t, values, decision.Data["values"])
}

func TestReleaseForCatalogOverrideWinsOverNodeDefault(t *testing.T) {
	e := newTestEngine() // node default 10
	override := 50
	decision := e.ReleaseForCatalog(map[string]any{"mean": 1.5}, 30, &override)
	require.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "minimum (50)")

	lower := 5
	decision = e.ReleaseForCatalog(map[string]any{"mean": 1.5}, 7, &lower)
	assert.False(t, decision.Blocked)
}

func TestReleaseNestedDictsSanitized(t *testing.T) {
	e := newTestEngine()
	nested := map[string]any{"mean": 2.999999}
	decision := e.Release(map[string]any{"numeric_summary": nested}, 50)
	require.False(t, decision.Blocked)
	inner := decision.Data["numeric_summary"].(map[string]any)
	assert.InDelta(t, 3.0, inner["mean"], 0.0005)
}
