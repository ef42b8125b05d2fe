package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketfeed/linkharvest/internal/crawler"
)

func TestAcquireRoundRobin(t *testing.T) {
	pool := New([]string{"http://p1", "http://p2"}, false, "", zaptest.NewLogger(t))

	first, err := pool.Acquire()
	require.NoError(t, err)
	second, err := pool.Acquire()
	require.NoError(t, err)
	third, err := pool.Acquire()
	require.NoError(t, err)

	assert.Equal(t, "http://p1", first.ID)
	assert.Equal(t, "http://p2", second.ID)
	assert.Equal(t, "http://p1", third.ID)
}

func TestAcquireIncludesDirect(t *testing.T) {
	pool := New([]string{"http://p1"}, true, "", zaptest.NewLogger(t))

	seen := map[string]bool{}
	for range 4 {
		egress, err := pool.Acquire()
		require.NoError(t, err)
		seen[egress.ID] = true
	}
	assert.True(t, seen["http://p1"])
	assert.True(t, seen[DirectID])
}

func TestQuarantineAfterTwoConsecutive403(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bad_proxies.log")
	pool := New([]string{"http://p1", "http://p2"}, false, logPath, zaptest.NewLogger(t))
	p1 := Egress{ID: "http://p1", URL: "http://p1"}

	pool.Report(p1, OutcomeHTTP403)
	assert.Empty(t, pool.Quarantined())

	pool.Report(p1, OutcomeHTTP403)
	assert.Equal(t, []string{"http://p1"}, pool.Quarantined())

	// Never returned again.
	for range 5 {
		egress, err := pool.Acquire()
		require.NoError(t, err)
		assert.Equal(t, "http://p2", egress.ID)
	}

	// Logged exactly once, even if a third 403 is forced.
	pool.Report(p1, OutcomeHTTP403)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	parts := strings.Split(lines[0], "\t")
	require.Len(t, parts, 3)
	assert.Equal(t, "http://p1", parts[1])
	assert.Equal(t, "HTTP 403", parts[2])
}

func TestNon403OutcomeResetsCounter(t *testing.T) {
	pool := New([]string{"http://p1"}, false, "", zaptest.NewLogger(t))
	p1 := Egress{ID: "http://p1", URL: "http://p1"}

	pool.Report(p1, OutcomeHTTP403)
	pool.Report(p1, OutcomeOK)
	pool.Report(p1, OutcomeHTTP403)
	assert.Empty(t, pool.Quarantined())

	pool.Report(p1, OutcomeTransport)
	pool.Report(p1, OutcomeHTTP403)
	assert.Empty(t, pool.Quarantined())
}

func TestAcquireExhausted(t *testing.T) {
	pool := New([]string{"http://p1"}, false, "", zaptest.NewLogger(t))
	p1 := Egress{ID: "http://p1", URL: "http://p1"}
	pool.Report(p1, OutcomeHTTP403)
	pool.Report(p1, OutcomeHTTP403)

	_, err := pool.Acquire()
	assert.ErrorIs(t, err, crawler.ErrProxyPoolExhausted)
}

func TestAcquireExcludingFallsBack(t *testing.T) {
	pool := New([]string{"http://p1"}, false, "", zaptest.NewLogger(t))

	egress, err := pool.AcquireExcluding(map[string]bool{"http://p1": true})
	require.NoError(t, err)
	assert.Equal(t, "http://p1", egress.ID)
}

func TestSnapshotCounts(t *testing.T) {
	pool := New([]string{"http://p1", "http://p2"}, true, "", zaptest.NewLogger(t))
	p1 := Egress{ID: "http://p1", URL: "http://p1"}
	pool.Report(p1, OutcomeHTTP403)
	pool.Report(p1, OutcomeHTTP403)
	pool.Report(Egress{ID: "http://p2", URL: "http://p2"}, OutcomeTimeout)

	snap := pool.Snapshot()
	assert.Equal(t, 3, snap["total_sources"])
	assert.Equal(t, 2, snap["alive"])
	assert.Equal(t, 1, snap["quarantined"])
	assert.Equal(t, true, snap["has_direct_slot"])
	assert.Equal(t, 3, snap["recent_issue_count_5m"])
}
