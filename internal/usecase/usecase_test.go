package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshcoord/internal/coordinator"
	"meshcoord/internal/domain"
	"meshcoord/internal/metrics"
	"meshcoord/internal/ports"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type reply struct {
	resp domain.Response
	err  error
}

// call is one transport call held open until the test answers it.
type call struct {
	op      string
	name    string
	payload domain.Payload
	reply   chan reply
}

func (c *call) ok(resp domain.Response) { c.reply <- reply{resp: resp} }

func (c *call) fail(err error) { c.reply <- reply{err: err} }

type fakeCluster struct {
	calls chan *call
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{calls: make(chan *call, 16)}
}

func (f *fakeCluster) do(ctx context.Context, op, name string, payload domain.Payload) (domain.Response, error) {
	c := &call{op: op, name: name, payload: payload, reply: make(chan reply, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeCluster) Issue(ctx context.Context, command string, payload domain.Payload) (domain.Response, error) {
	return f.do(ctx, "issue", command, payload)
}

func (f *fakeCluster) Read(ctx context.Context, attribute string) (domain.Response, error) {
	return f.do(ctx, "read", attribute, nil)
}

func (f *fakeCluster) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no transport call")
		return nil
	}
}

func levelBinding(cl ports.Cluster) ports.Binding {
	return ports.Binding{
		ClusterID: "genLevelCtrl",
		Cluster:   cl,
		SetCommand: func(v domain.Value) (string, error) {
			return "moveToLevel", nil
		},
		SetParser: func(v domain.Value) (domain.Payload, error) {
			f, ok := v.(float64)
			if !ok || f < 0 {
				return nil, fmt.Errorf("bad level %v", v)
			}
			return domain.Payload{"level": f}, nil
		},
		Attribute: "currentLevel",
		ReportParser: func(r domain.Response) (domain.Value, error) {
			f, ok := r["level"].(float64)
			if !ok {
				return nil, errors.New("no level")
			}
			return f, nil
		},
	}
}

type fakeResolver struct {
	mu       sync.Mutex
	bindings map[string]ports.Binding
}

func (r *fakeResolver) bind(capabilityID, clusterID string, b ports.Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[capabilityID+"/"+clusterID] = b
}

func (r *fakeResolver) Resolve(deviceID, capabilityID, clusterID string) (ports.Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[capabilityID+"/"+clusterID]
	if !ok {
		return ports.Binding{}, domain.ErrUnsupported
	}
	return b, nil
}

type recorder struct {
	mu  sync.Mutex
	got []domain.Settled
}

func (r *recorder) OnValueSettled(ctx context.Context, s domain.Settled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) all() []domain.Settled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Settled(nil), r.got...)
}

type harness struct {
	s   *coordinator.Scheduler
	c   *Coordinator
	m   *metrics.Metrics
	res *fakeResolver
	rec *recorder
	cl  *fakeCluster
	dev *Device
	key domain.CapabilityKey
}

func setup(t *testing.T, workers int, opts Options) *harness {
	t.Helper()
	h := &harness{
		m:   metrics.New(nil),
		res: &fakeResolver{bindings: map[string]ports.Binding{}},
		rec: &recorder{},
		cl:  newFakeCluster(),
		key: domain.CapabilityKey{DeviceID: "00124b0014d5a1f2", CapabilityID: "dim", ClusterID: "genLevelCtrl"},
	}
	opts.Metrics = h.m
	h.s = coordinator.NewScheduler(context.Background(), workers, h.m)
	h.c = NewCoordinator(h.s, h.res, h.rec, opts)
	h.res.bind("dim", "genLevelCtrl", levelBinding(h.cl))
	h.dev = h.c.Device(h.key.DeviceID)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Wait(ctx))
}

func (h *harness) value(t *testing.T) domain.Value {
	t.Helper()
	v, _ := h.dev.Value("dim", "genLevelCtrl")
	return v
}

func TestWriteCoalescesQueuedCommands(t *testing.T) {
	h := setup(t, 1, Options{})

	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.1))
	first := h.cl.next(t)
	require.Equal(t, "moveToLevel", first.name)
	require.Equal(t, 0.1, first.payload["level"])
	require.True(t, h.dev.State("dim", "genLevelCtrl").InFlightWrite)

	for _, v := range []float64{0.2, 0.3, 0.4} {
		require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", v))
	}
	require.Equal(t, []string{h.key.Task(domain.OpSet)}, h.s.Keys())

	first.ok(nil)
	last := h.cl.next(t)
	require.Equal(t, 0.4, last.payload["level"])
	last.ok(nil)

	h.wait(t)
	require.Empty(t, h.cl.calls)
	require.Equal(t, 0.4, h.value(t))
	require.False(t, h.dev.State("dim", "genLevelCtrl").InFlightWrite)
	require.EqualValues(t, 2, testutil.ToFloat64(h.m.Replaced))
}

func TestOlderWriteAnsweredLastDoesNotWin(t *testing.T) {
	h := setup(t, 2, Options{DebounceWindow: 20 * time.Millisecond})

	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.1))
	older := h.cl.next(t)
	require.Equal(t, 0.1, older.payload["level"])

	// the free worker takes the newer write while the older one is on the air
	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.4))
	newer := h.cl.next(t)
	require.Equal(t, 0.4, newer.payload["level"])

	newer.ok(nil)
	require.Eventually(t, func() bool { return h.value(t) == 0.4 }, time.Second, time.Millisecond)
	older.ok(nil)
	h.wait(t)

	require.Equal(t, 0.4, h.value(t))
	require.False(t, h.dev.State("dim", "genLevelCtrl").InFlightWrite)
	require.Eventually(t, func() bool { return len(h.rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := h.rec.all()
	require.Len(t, got, 1)
	require.Equal(t, 0.4, got[0].Value)
	require.Equal(t, domain.SourceSet, got[0].Source)
}

func TestWriteRecordsQuantizedValue(t *testing.T) {
	h := setup(t, 1, Options{})
	b := levelBinding(h.cl)
	b.Quantize = func(v domain.Value) (domain.Value, error) { return 0.12, nil }
	h.res.bind("dim", "genLevelCtrl", b)

	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.123))
	w := h.cl.next(t)
	require.Equal(t, 0.123, w.payload["level"])
	w.ok(nil)
	h.wait(t)
	require.Equal(t, 0.12, h.value(t))

	// the report of the same level is not a change
	_, err := h.dev.RequestValue("dim", "genLevelCtrl")
	require.NoError(t, err)
	h.cl.next(t).ok(domain.Response{"level": 0.12})
	h.wait(t)
	require.Equal(t, 1, h.dev.State("dim", "genLevelCtrl").Pending)

	b.Quantize = func(v domain.Value) (domain.Value, error) { return nil, errors.New("no") }
	err = h.c.writer.apply(context.Background(), h.key, b, 0.5)
	require.ErrorIs(t, err, domain.ErrParser)
}

func TestWriteTimeoutDoesNotBlockQueue(t *testing.T) {
	h := setup(t, 1, Options{WriteTimeout: 100 * time.Millisecond})
	other := newFakeCluster()
	h.res.bind("onoff", "genOnOff", levelBinding(other))

	start := time.Now()
	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.5))
	h.cl.next(t) // never answered

	require.NoError(t, h.dev.SetValue("onoff", "genOnOff", 1.0))
	next := other.next(t)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	next.ok(nil)

	h.wait(t)
	require.False(t, h.dev.State("dim", "genLevelCtrl").InFlightWrite)
	_, known := h.dev.Value("dim", "genLevelCtrl")
	require.False(t, known)
	v, _ := h.dev.Value("onoff", "genOnOff")
	require.Equal(t, 1.0, v)
	require.EqualValues(t, 1, testutil.ToFloat64(h.m.Completed.WithLabelValues(metrics.ResultError)))
}

func TestWriteErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		h := setup(t, 1, Options{WriteTimeout: 30 * time.Millisecond})
		b := levelBinding(h.cl)
		err := h.c.writer.apply(ctx, h.key, b, 0.5)
		require.ErrorIs(t, err, domain.ErrTimeout)
		require.False(t, h.c.States.WriteInFlight(h.key.String()))
	})

	t.Run("transport", func(t *testing.T) {
		h := setup(t, 1, Options{})
		nack := errors.New("no ack")
		go func() { (<-h.cl.calls).fail(nack) }()

		err := h.c.writer.apply(ctx, h.key, levelBinding(h.cl), 0.5)
		require.ErrorIs(t, err, domain.ErrTransport)
		require.ErrorIs(t, err, nack)
		require.False(t, h.c.States.WriteInFlight(h.key.String()))
		_, known := h.c.States.Value(h.key.String())
		require.False(t, known)
	})

	t.Run("parser", func(t *testing.T) {
		h := setup(t, 1, Options{})
		err := h.c.writer.apply(ctx, h.key, levelBinding(h.cl), -1.0)
		require.ErrorIs(t, err, domain.ErrParser)
		require.Empty(t, h.cl.calls)
		require.False(t, h.c.States.WriteInFlight(h.key.String()))
	})

	t.Run("command", func(t *testing.T) {
		h := setup(t, 1, Options{})
		b := levelBinding(h.cl)
		b.SetCommand = func(v domain.Value) (string, error) { return "", errors.New("no command") }
		err := h.c.writer.apply(ctx, h.key, b, 0.5)
		require.ErrorIs(t, err, domain.ErrParser)
		require.Empty(t, h.cl.calls)
		require.False(t, h.c.States.WriteInFlight(h.key.String()))
	})
}

func TestWriteNoOp(t *testing.T) {
	h := setup(t, 1, Options{DebounceWindow: 10 * time.Millisecond})
	b := levelBinding(h.cl)
	b.SetParser = func(v domain.Value) (domain.Payload, error) { return nil, nil }
	h.res.bind("dim", "genLevelCtrl", b)

	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.3))
	h.wait(t)

	require.Empty(t, h.cl.calls)
	require.Equal(t, 0.3, h.value(t))
	require.Eventually(t, func() bool { return len(h.rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, domain.SourceSet, h.rec.all()[0].Source)
}

func TestUnsupported(t *testing.T) {
	h := setup(t, 1, Options{})

	require.ErrorIs(t, h.dev.SetValue("colour", "lightingColorCtrl", 1), domain.ErrUnsupported)
	_, err := h.dev.RequestValue("colour", "lightingColorCtrl")
	require.ErrorIs(t, err, domain.ErrUnsupported)

	h.res.bind("button", "genMultistateInput", ports.Binding{ClusterID: "genMultistateInput", Cluster: h.cl})
	require.ErrorIs(t, h.dev.SetValue("button", "genMultistateInput", 1), domain.ErrUnsupported)
	_, err = h.dev.RequestValue("button", "genMultistateInput")
	require.ErrorIs(t, err, domain.ErrUnsupported)
	require.Empty(t, h.s.Keys())
}

func TestReadSkippedWhileWriteInFlight(t *testing.T) {
	h := setup(t, 2, Options{})

	require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.5))
	w := h.cl.next(t)

	queued, err := h.dev.RequestValue("dim", "genLevelCtrl")
	require.NoError(t, err)
	require.False(t, queued)
	require.Empty(t, h.s.Keys())
	require.EqualValues(t, 1, testutil.ToFloat64(h.m.ReadsSkipped.WithLabelValues(metrics.ReasonWriteInFlight)))

	w.ok(nil)
	h.wait(t)

	queued, err = h.dev.RequestValue("dim", "genLevelCtrl")
	require.NoError(t, err)
	require.True(t, queued)
	r := h.cl.next(t)
	require.Equal(t, "read", r.op)
	require.Equal(t, "currentLevel", r.name)
	r.ok(domain.Response{"level": 0.7})

	h.wait(t)
	require.Equal(t, 0.7, h.value(t))
}

func TestReadDeduplicated(t *testing.T) {
	h := setup(t, 2, Options{})

	for i := 0; i < 3; i++ {
		queued, err := h.dev.RequestValue("dim", "genLevelCtrl")
		require.NoError(t, err)
		require.True(t, queued)
	}
	h.cl.next(t).ok(domain.Response{"level": 0.2})
	h.wait(t)

	require.Empty(t, h.cl.calls)
	require.EqualValues(t, 2, testutil.ToFloat64(h.m.Dropped))
}

func TestReadSupersededByWrite(t *testing.T) {
	t.Run("response during write", func(t *testing.T) {
		h := setup(t, 2, Options{})

		_, err := h.dev.RequestValue("dim", "genLevelCtrl")
		require.NoError(t, err)
		r := h.cl.next(t)

		require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.9))
		w := h.cl.next(t)
		require.Equal(t, "issue", w.op)

		r.ok(domain.Response{"level": 0.1})
		w.ok(nil)
		h.wait(t)

		require.Equal(t, 0.9, h.value(t))
		require.EqualValues(t, 1, testutil.ToFloat64(h.m.ReadsSkipped.WithLabelValues(metrics.ReasonStale)))
	})

	t.Run("response after write", func(t *testing.T) {
		h := setup(t, 2, Options{})

		_, err := h.dev.RequestValue("dim", "genLevelCtrl")
		require.NoError(t, err)
		r := h.cl.next(t)

		require.NoError(t, h.dev.SetValue("dim", "genLevelCtrl", 0.9))
		h.cl.next(t).ok(nil)
		require.Eventually(t, func() bool {
			return !h.dev.State("dim", "genLevelCtrl").InFlightWrite
		}, time.Second, time.Millisecond)

		r.ok(domain.Response{"level": 0.1})
		h.wait(t)

		require.Equal(t, 0.9, h.value(t))
	})
}

// A late answer to a read that already timed out never reaches the store:
// the deadline cancelled its call. Generation checks between two live reads
// are covered in the state package.
func TestTimedOutReadAnswerDiscarded(t *testing.T) {
	h := setup(t, 2, Options{ReadTimeout: 50 * time.Millisecond, DebounceWindow: 20 * time.Millisecond})

	queued, err := h.dev.RequestValue("dim", "genLevelCtrl")
	require.NoError(t, err)
	require.True(t, queued)
	first := h.cl.next(t)

	// the first read gives up and frees its key
	require.Eventually(t, func() bool { return h.s.Stats().Pending == 0 }, time.Second, time.Millisecond)

	queued, err = h.dev.RequestValue("dim", "genLevelCtrl")
	require.NoError(t, err)
	require.True(t, queued)
	second := h.cl.next(t)
	second.ok(domain.Response{"level": 0.2})
	h.wait(t)

	first.ok(domain.Response{"level": 0.1})
	require.EqualValues(t, 1, testutil.ToFloat64(h.m.Completed.WithLabelValues(metrics.ResultError)))

	require.Eventually(t, func() bool { return len(h.rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := h.rec.all()
	require.Len(t, got, 1)
	require.Equal(t, 0.2, got[0].Value)
	require.Equal(t, domain.SourceReport, got[0].Source)
	require.Equal(t, h.key, got[0].Key)
	require.Equal(t, 0.2, h.value(t))
}

func TestReadErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("get parser", func(t *testing.T) {
		h := setup(t, 1, Options{})
		b := levelBinding(h.cl)
		b.GetParser = func() (domain.Payload, error) { return nil, errors.New("bad") }
		err := h.c.reader.fetch(ctx, h.key, b)
		require.ErrorIs(t, err, domain.ErrParser)
		require.Empty(t, h.cl.calls)
	})

	t.Run("report parser", func(t *testing.T) {
		h := setup(t, 1, Options{})
		go func() { (<-h.cl.calls).ok(domain.Response{"level": "high"}) }()
		err := h.c.reader.fetch(ctx, h.key, levelBinding(h.cl))
		require.ErrorIs(t, err, domain.ErrParser)
		_, known := h.c.States.Value(h.key.String())
		require.False(t, known)
	})

	t.Run("transport", func(t *testing.T) {
		h := setup(t, 1, Options{})
		go func() { (<-h.cl.calls).fail(errors.New("route error")) }()
		err := h.c.reader.fetch(ctx, h.key, levelBinding(h.cl))
		require.ErrorIs(t, err, domain.ErrTransport)
	})

	t.Run("timeout", func(t *testing.T) {
		h := setup(t, 1, Options{ReadTimeout: 20 * time.Millisecond})
		err := h.c.reader.fetch(ctx, h.key, levelBinding(h.cl))
		require.ErrorIs(t, err, domain.ErrTimeout)
	})

	t.Run("write started after enqueue", func(t *testing.T) {
		h := setup(t, 1, Options{})
		h.c.States.BeginWrite(h.key.String())
		require.NoError(t, h.c.reader.fetch(ctx, h.key, levelBinding(h.cl)))
		require.Empty(t, h.cl.calls)
	})
}
