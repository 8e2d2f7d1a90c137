package device

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/hardware"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/supervisor"
)

// newTestClient 管道连接真实监管器+模拟驱动
func newTestClient(t *testing.T, name string) *Client {
	db := ledger.SetupTestDB()
	store := ledger.NewStore(db)
	writer, err := ledger.OpenWriter(store, name)
	require.NoError(t, err)
	t.Cleanup(writer.Close)

	driver := hardware.NewSimDriver(&config.DeviceConfig{
		Name:         name,
		Driver:       "sim",
		StoredDenoms: []int64{10, 50, 100, 200},
	})
	require.NoError(t, driver.Initialize(context.Background()))

	sup := supervisor.New(driver, writer, nil)

	fromSup, supOut := io.Pipe()
	supIn, toSup := io.Pipe()
	go sup.Serve(supIn, supOut)
	t.Cleanup(func() { toSup.Close() })

	tr := NewPipeTransport(fromSup, toSup, toSup.Close)
	return NewClient(name, tr, 5*time.Second)
}

// pollUntil 反复Poll直到谓词成立
func pollUntil(t *testing.T, c *Client, what string, pred func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, c.Poll(), what)
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("超时未达到: %s (state=%s)", what, c.State())
}

func TestClientCapabilityQueries(t *testing.T) {
	c := newTestClient(t, "cli-cap")

	require.NoError(t, c.QueryCapabilities())
	pollUntil(t, c, "能力查询完成", func() bool {
		_, _, capOK := c.Capability()
		_, accOK := c.Acceptable()
		return capOK && accOK
	})

	max, residue, _ := c.Capability()
	assert.Greater(t, max, int64(0))
	assert.Equal(t, int64(9), residue)

	acceptable, _ := c.Acceptable()
	assert.True(t, acceptable)
	assert.Equal(t, StateIdle, c.State())
}

func TestClientAcceptStopCycle(t *testing.T) {
	c := newTestClient(t, "cli-accept")

	require.NoError(t, c.Accept(300))
	assert.Equal(t, StateAccept, c.State())

	pollUntil(t, c, "收款达到目标", func() bool {
		return c.Total() >= 300
	})

	c.StopAccepting()
	pollUntil(t, c, "停稳", func() bool {
		return c.State() == StateStopped
	})

	final, ok := c.FinalTotal()
	require.True(t, ok)
	assert.Equal(t, int64(300), final)

	require.NoError(t, c.Reset())
	assert.Equal(t, StateIdle, c.State())
}

func TestClientUpdateAcceptLowersAllowance(t *testing.T) {
	c := newTestClient(t, "cli-update")

	require.NoError(t, c.Accept(10000))
	c.UpdateAccept(200)

	pollUntil(t, c, "收款停止", func() bool {
		if c.State() == StateAcceptWait && c.Total() >= 200 {
			c.StopAccepting()
		}
		return c.State() == StateStopped
	})

	final, ok := c.FinalTotal()
	require.True(t, ok)
	// 下调前至多漏过一轮POLL（单枚至多200分）
	assert.LessOrEqual(t, final, int64(400))
}

func TestClientDispenseRunsToCompletion(t *testing.T) {
	c := newTestClient(t, "cli-dispense")

	require.NoError(t, c.Dispense(500))
	pollUntil(t, c, "出款完成", func() bool {
		return c.State() == StateStopped
	})

	final, ok := c.FinalTotal()
	require.True(t, ok)
	assert.GreaterOrEqual(t, final, int64(491))
	assert.LessOrEqual(t, final, int64(500))
}

func TestClientDeadAfterTimeout(t *testing.T) {
	// 无人应答的通道
	neverAnswer, w := io.Pipe()
	tr := NewPipeTransport(neverAnswer, &discardWriter{}, w.Close)
	c := NewClient("cli-dead", tr, 50*time.Millisecond)

	require.NoError(t, c.Accept(100))
	time.Sleep(80 * time.Millisecond)

	err := c.Poll()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrDeviceDead))
	assert.True(t, c.Dead())

	// 判死后一切操作失败，不得恢复
	assert.Error(t, c.Poll())
	assert.Error(t, c.Dispense(100))
}

func TestClientRejectsConcurrentOperations(t *testing.T) {
	c := newTestClient(t, "cli-conc")

	require.NoError(t, c.Accept(100))
	err := c.Dispense(100)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrOperationActive))
}

type discardWriter struct{}

func (*discardWriter) Write(p []byte) (int, error) { return len(p), nil }
