package metrics

import (
	"io"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
)

func TestRecordOp(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.RecordOp("getattr", time.Millisecond, nil)
	m.RecordOp("getattr", time.Millisecond, nil)
	m.RecordOp("getattr", time.Millisecond, syscall.ENOENT)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("getattr", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("getattr", syscall.ENOENT.Error())))
}

func TestBranchGauges(t *testing.T) {
	t.Parallel()

	set := branch.NewSet(0)
	require.NoError(t, set.Apply(t.TempDir()+":"+t.TempDir()+"=RO"))

	m := New(set)
	n, err := testutil.GatherAndCount(m.Registry(), "mergerfs_branch_mode", "mergerfs_branch_available_bytes")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.RecordOp("mkdir", time.Microsecond, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mergerfs_ops_total{op="mkdir",result="ok"} 1`)
}
