package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcoord/internal/domain"

	"github.com/stretchr/testify/require"
)

func newDimmer(t *testing.T) (*Network, *Device) {
	t.Helper()
	n := NewNetwork(0, 0)
	d, err := n.Join("00124b0014d5a1f2", KindDimmer)
	require.NoError(t, err)
	return n, d
}

func TestJoin(t *testing.T) {
	n, d := newDimmer(t)

	_, err := n.Join(d.ID, KindSwitch)
	require.Error(t, err)
	_, err = n.Join("x", Kind("thermostat"))
	require.Error(t, err)

	sw, err := n.Join("0017880100aabbcc", KindSwitch)
	require.NoError(t, err)
	_, ok := sw.Cluster(ClusterLevel)
	require.False(t, ok)

	devices := n.Devices()
	require.Len(t, devices, 2)
	require.Equal(t, "00124b0014d5a1f2", devices[0].ID)
}

func TestLevelCommandSwitchesOnOff(t *testing.T) {
	_, d := newDimmer(t)
	ctx := context.Background()

	level, _ := d.Cluster(ClusterLevel)
	onoff, _ := d.Cluster(ClusterOnOff)

	_, err := level.Issue(ctx, "moveToLevelWithOnOff", domain.Payload{"level": 127})
	require.NoError(t, err)

	resp, err := level.Read(ctx, AttrCurrentLevel)
	require.NoError(t, err)
	require.Equal(t, domain.Response{AttrCurrentLevel: 127}, resp)

	on, _ := onoff.Attribute(AttrOnOff)
	require.Equal(t, true, on)

	_, err = level.Issue(ctx, "moveToLevel", domain.Payload{"level": 999})
	require.Error(t, err)
	_, err = level.Issue(ctx, "blink", nil)
	require.Error(t, err)
	_, err = level.Read(ctx, "colorTemperature")
	require.Error(t, err)

	require.Equal(t, []string{"moveToLevelWithOnOff"}, level.Issued())
}

func TestUnresponsiveCluster(t *testing.T) {
	_, d := newDimmer(t)
	onoff, _ := d.Cluster(ClusterOnOff)
	onoff.SetUnresponsive(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := onoff.Issue(ctx, "on", domain.Payload{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	on, _ := onoff.Attribute(AttrOnOff)
	require.Equal(t, false, on)
}

func TestFailNext(t *testing.T) {
	_, d := newDimmer(t)
	onoff, _ := d.Cluster(ClusterOnOff)
	boom := errors.New("no ack")
	onoff.FailNext(boom)

	_, err := onoff.Read(context.Background(), AttrOnOff)
	require.ErrorIs(t, err, boom)
	_, err = onoff.Read(context.Background(), AttrOnOff)
	require.NoError(t, err)
}

func TestLatency(t *testing.T) {
	_, d := newDimmer(t)
	onoff, _ := d.Cluster(ClusterOnOff)
	onoff.SetLatency(30 * time.Millisecond)

	start := time.Now()
	_, err := onoff.Issue(context.Background(), "toggle", nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	on, _ := onoff.Attribute(AttrOnOff)
	require.Equal(t, true, on)
}

func TestCatalogResolve(t *testing.T) {
	n, d := newDimmer(t)
	c := NewCatalog(n)

	_, err := c.Resolve("nope", "onoff", ClusterOnOff)
	require.ErrorIs(t, err, ErrUnknownDevice)

	_, err = c.Resolve(d.ID, "onoff", ClusterLevel)
	require.ErrorIs(t, err, domain.ErrUnsupported)

	b, err := c.Resolve(d.ID, "onoff.2", ClusterOnOff)
	require.NoError(t, err)
	require.True(t, b.CanSet())
	require.True(t, b.CanGet())
	require.Equal(t, AttrOnOff, b.Attribute)

	sw, err := n.Join("0017880100aabbcc", KindSwitch)
	require.NoError(t, err)
	_, err = c.Resolve(sw.ID, "dim", ClusterLevel)
	require.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestOnOffParsers(t *testing.T) {
	n, d := newDimmer(t)
	b, err := NewCatalog(n).Resolve(d.ID, "onoff", ClusterOnOff)
	require.NoError(t, err)

	cmd, err := b.SetCommand(true)
	require.NoError(t, err)
	require.Equal(t, "on", cmd)
	cmd, err = b.SetCommand(false)
	require.NoError(t, err)
	require.Equal(t, "off", cmd)
	_, err = b.SetCommand("yes")
	require.Error(t, err)

	payload, err := b.SetParser(true)
	require.NoError(t, err)
	require.NotNil(t, payload)

	v, err := b.ReportParser(domain.Response{AttrOnOff: true})
	require.NoError(t, err)
	require.Equal(t, true, v)
	_, err = b.ReportParser(domain.Response{})
	require.Error(t, err)
}

func TestDimParsers(t *testing.T) {
	n, d := newDimmer(t)
	b, err := NewCatalog(n).Resolve(d.ID, "dim", ClusterLevel)
	require.NoError(t, err)

	payload, err := b.SetParser(0.5)
	require.NoError(t, err)
	require.Equal(t, 127, payload["level"])

	payload, err = b.SetParser(1)
	require.NoError(t, err)
	require.Equal(t, MaxLevel, payload["level"])

	for _, bad := range []domain.Value{-0.1, 1.5, "half", nil} {
		_, err := b.SetParser(bad)
		require.Error(t, err, "%v", bad)
	}

	v, err := b.ReportParser(domain.Response{AttrCurrentLevel: 127})
	require.NoError(t, err)
	require.Equal(t, 0.5, v)
}

func TestDimQuantizeMatchesReport(t *testing.T) {
	n, d := newDimmer(t)
	b, err := NewCatalog(n).Resolve(d.ID, "dim", ClusterLevel)
	require.NoError(t, err)

	for _, requested := range []float64{0, 0.123, 0.5, 0.777, 1} {
		payload, err := b.SetParser(requested)
		require.NoError(t, err)
		q, err := b.Quantize(requested)
		require.NoError(t, err)

		reported, err := b.ReportParser(domain.Response{AttrCurrentLevel: payload["level"]})
		require.NoError(t, err)
		require.Equal(t, reported, q, "%v", requested)
	}

	_, err = b.Quantize("bright")
	require.Error(t, err)
}
