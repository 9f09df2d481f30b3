package upstream

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStickTableEntry(t *testing.T) {
	line := "0x12345678: key=abc123 use=1 exp=1800 conn_cur=3 conn_rate(10000)=5 http_req_rate(10000)=10 gpc0=1"
	entry := parseStickTableEntry(line)

	assert.Equal(t, uint32(3), entry.ConnCur)
	assert.Equal(t, uint32(5), entry.ConnRate)
	assert.Equal(t, uint32(10), entry.HTTPReqRate)
	assert.Equal(t, uint8(1), entry.GPC0)
	assert.Equal(t, uint64(1800), entry.ExpireSecs)
}

func TestParseStickTableEntry_MissingFields(t *testing.T) {
	entry := parseStickTableEntry("0xabc: key=xyz use=0")
	assert.Zero(t, entry.ConnCur)
	assert.Zero(t, entry.GPC0)
}

func TestHAProxy_UnavailableSocketDegradesSilently(t *testing.T) {
	h := NewHAProxy(filepath.Join(t.TempDir(), "no-such.sock"), "be_stick_tables")

	require.False(t, h.Available())
	assert.NoError(t, h.SetCircuitStatus("circ-1", StatusVip))
	assert.NoError(t, h.BanCircuit("circ-1"))
	assert.NoError(t, h.ClearCircuit("circ-1"))

	entry, err := h.GetCircuitEntry("circ-1")
	assert.NoError(t, err)
	assert.Nil(t, entry)

	stats, err := h.GetTableStats()
	assert.NoError(t, err)
	assert.Zero(t, stats.EntriesUsed)
}
