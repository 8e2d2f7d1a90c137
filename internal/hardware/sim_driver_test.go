package hardware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/cash-terminal/internal/config"
)

func simTestDriver(t *testing.T) *SimDriver {
	d := NewSimDriver(&config.DeviceConfig{
		Name:         "sim-test",
		Driver:       "sim",
		StoredDenoms: []int64{10, 50, 100, 200},
	})
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func TestSimDriverAcceptStaysWithinLimit(t *testing.T) {
	d := simTestDriver(t)
	require.NoError(t, d.Accept(500))

	var total int64
	for i := 0; i < 200 && d.accepting; i++ {
		evs, err := d.Poll()
		require.NoError(t, err)
		for _, ev := range evs {
			assert.Equal(t, EventReceived, ev.Kind)
			total += ev.Denom.Cents() * ev.Count
		}
	}

	assert.LessOrEqual(t, total, int64(500))
	assert.False(t, d.accepting, "额度收满后应自动停收")
}

func TestSimDriverDispensePaysWithinResidue(t *testing.T) {
	d := simTestDriver(t)

	max, residue := d.CanPayout()
	require.Greater(t, max, int64(0))

	request := max / 2
	require.NoError(t, d.Dispense(request))

	var paid int64
	for i := 0; i < 100 && d.Busy(); i++ {
		evs, err := d.Poll()
		require.NoError(t, err)
		for _, ev := range evs {
			paid += ev.Denom.Cents() * ev.Count
		}
	}

	assert.GreaterOrEqual(t, paid, request-residue)
	assert.LessOrEqual(t, paid, request)
}

func TestSimDriverEmptyMovesEverything(t *testing.T) {
	d := simTestDriver(t)
	require.NoError(t, d.Empty())

	var moved int64
	for i := 0; i < 100 && d.Busy(); i++ {
		evs, err := d.Poll()
		require.NoError(t, err)
		for _, ev := range evs {
			require.Equal(t, EventMoved, ev.Kind)
			assert.Equal(t, StorageCashbox, ev.To)
			moved += ev.Denom.Cents() * ev.Count
		}
	}

	// 初始每面额20枚
	assert.Equal(t, int64(20*(10+50+100+200)), moved)
	max, _ := d.CanPayout()
	assert.Zero(t, max)
}
