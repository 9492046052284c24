package rules_test

import (
	"net"
	"testing"

	"github.com/jroosing/hydracurve/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPFilterTable_MainDenyWins(t *testing.T) {
	tb := rules.NewIPFilterTable()
	require.NoError(t, tb.Add("10.0.0.0/8", rules.IPFilterDeny, rules.GroupMain, 0))

	action := tb.Evaluate(net.ParseIP("10.1.2.3"))
	assert.Equal(t, rules.IPFilterDeny, action)
}

func TestIPFilterTable_DefaultAllow(t *testing.T) {
	tb := rules.NewIPFilterTable()
	assert.Equal(t, rules.IPFilterAllow, tb.Evaluate(net.ParseIP("8.8.8.8")))
}

func TestIPFilterTable_BlacklistOnlyConsultedAfterMain(t *testing.T) {
	tb := rules.NewIPFilterTable()
	require.NoError(t, tb.Add("0.0.0.0/0", rules.IPFilterAllow, rules.GroupMain, 0))
	require.NoError(t, tb.Add("1.2.3.4/32", rules.IPFilterDeny, rules.GroupBlacklist, 0))

	// Main's catch-all allow matches first, so the blacklist entry never runs.
	assert.Equal(t, rules.IPFilterAllow, tb.Evaluate(net.ParseIP("1.2.3.4")))
}

func TestIPFilterTable_LocalRouting(t *testing.T) {
	tb := rules.NewIPFilterTable()
	require.NoError(t, tb.Add("192.168.0.0/16", rules.IPFilterLocalRouting, rules.GroupLocalRouting, 0))

	assert.Equal(t, rules.IPFilterLocalRouting, tb.Evaluate(net.ParseIP("192.168.1.1")))
}

func TestIPFilterTable_BareIPWidened(t *testing.T) {
	tb := rules.NewIPFilterTable()
	require.NoError(t, tb.Add("203.0.113.5", rules.IPFilterDeny, rules.GroupMain, 0))

	assert.Equal(t, rules.IPFilterDeny, tb.Evaluate(net.ParseIP("203.0.113.5")))
	assert.Equal(t, rules.IPFilterAllow, tb.Evaluate(net.ParseIP("203.0.113.6")))
}

func TestIPFilterTable_InvalidEntry(t *testing.T) {
	tb := rules.NewIPFilterTable()
	err := tb.Add("not-an-ip", rules.IPFilterDeny, rules.GroupMain, 0)
	assert.Error(t, err)
}

func TestIPFilterAction_String(t *testing.T) {
	assert.Equal(t, "deny", rules.IPFilterDeny.String())
	assert.Equal(t, "local_routing", rules.IPFilterLocalRouting.String())
}
