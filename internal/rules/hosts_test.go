package rules_test

import (
	"testing"

	"github.com/jroosing/hydracurve/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostsTable_BannedBlocksQuery(t *testing.T) {
	tb := rules.NewHostsTable()
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsBanned, Pattern: "ads.example.com", Wildcard: true}))

	res := tb.Match("tracker.ads.example.com")
	assert.True(t, res.Banned)
}

func TestHostsTable_WhiteExemptsFromBanned(t *testing.T) {
	tb := rules.NewHostsTable()
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsBanned, Pattern: "example.com", Wildcard: true}))
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsWhite, Pattern: "safe.example.com", Wildcard: false}))

	res := tb.Match("safe.example.com")
	assert.False(t, res.Banned)
}

func TestHostsTable_NormalSynthesizesAddress(t *testing.T) {
	tb := rules.NewHostsTable()
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsNormal, Pattern: "router.lan", Target: "192.168.1.1"}))

	res := tb.Match("router.lan")
	require.True(t, res.Found)
	assert.Equal(t, "192.168.1.1", res.Rule.Target)
	ip, ok := rules.ParseTargetIP(res.Rule.Target)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.1", ip.String())
}

func TestHostsTable_CNAMERule(t *testing.T) {
	tb := rules.NewHostsTable()
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsCNAME, Pattern: "alias.example.com", Target: "canonical.example.com"}))

	res := tb.Match("alias.example.com")
	require.True(t, res.Found)
	assert.Equal(t, rules.HostsCNAME, res.Rule.Type)
	assert.Equal(t, "canonical.example.com", res.Rule.Target)
}

func TestHostsTable_ExtendedBannedRegex(t *testing.T) {
	tb := rules.NewHostsTable()
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsBannedExtended, Pattern: `^ad[0-9]+\.example\.com$`}))

	assert.True(t, tb.Match("ad7.example.com").Banned)
	assert.False(t, tb.Match("adx.example.com").Banned)
}

func TestHostsTable_ExtendedInvalidRegexErrors(t *testing.T) {
	tb := rules.NewHostsTable()
	err := tb.Add(rules.HostsRule{Type: rules.HostsBannedExtended, Pattern: `(unclosed`})
	assert.Error(t, err)
}

func TestHostsTable_LocalRule(t *testing.T) {
	tb := rules.NewHostsTable()
	require.NoError(t, tb.Add(rules.HostsRule{Type: rules.HostsLocal, Pattern: "internal.corp", Wildcard: true}))

	res := tb.Match("svc.internal.corp")
	require.True(t, res.Found)
	assert.Equal(t, rules.HostsLocal, res.Rule.Type)
}

func TestHostsTable_NoMatch(t *testing.T) {
	tb := rules.NewHostsTable()
	res := tb.Match("nowhere.example.org")
	assert.False(t, res.Banned)
	assert.False(t, res.Found)
}

func TestHostsRuleType_String(t *testing.T) {
	assert.Equal(t, "normal", rules.HostsNormal.String())
	assert.Equal(t, "banned_extended", rules.HostsBannedExtended.String())
	assert.Contains(t, rules.HostsRuleType(99).String(), "unknown")
}
