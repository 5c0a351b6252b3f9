package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "Fortune-Oracle/internal/errors"
)

type countingObserver struct {
	mu      sync.Mutex
	handled map[string]int
	failed  map[xerrors.Code]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{handled: map[string]int{}, failed: map[xerrors.Code]int{}}
}

func (o *countingObserver) Handled(schema string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handled[schema]++
}

func (o *countingObserver) Failed(_ string, code xerrors.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[code]++
}

func (o *countingObserver) snapshot() (map[string]int, map[xerrors.Code]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := make(map[string]int, len(o.handled))
	for k, v := range o.handled {
		h[k] = v
	}
	f := make(map[xerrors.Code]int, len(o.failed))
	for k, v := range o.failed {
		f[k] = v
	}
	return h, f
}

func TestDispatchRoutesBySchema(t *testing.T) {
	querent := identity(t, "querent").Address()
	oracle := identity(t, "oracle").Address()
	observer := newCountingObserver()

	d := NewDispatcher(nil, WithObserver(observer))
	var got []string
	d.Register(SchemaFortuneRequest, func(_ context.Context, env *Envelope) error {
		got = append(got, env.ID)
		return nil
	})
	d.Register("boom.v1", func(context.Context, *Envelope) error {
		return xerrors.New(xerrors.CodeTransportFailure, "")
	})
	d.Register("panic.v1", func(context.Context, *Envelope) error {
		panic("kaboom")
	})

	ok, err := NewEnvelope(SchemaFortuneRequest, querent, oracle, map[string]any{"lots": []int{}})
	require.NoError(t, err)
	data, err := ok.Marshal()
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), Delivery{Raw: data}))
	assert.Equal(t, []string{ok.ID}, got)

	unknown, _ := NewEnvelope("unknown.v1", querent, oracle, map[string]any{})
	assert.Equal(t, xerrors.CodeUnknownSchema, xerrors.CodeOf(d.Dispatch(context.Background(), Delivery{Envelope: unknown})))

	boom, _ := NewEnvelope("boom.v1", querent, oracle, map[string]any{})
	assert.Equal(t, xerrors.CodeTransportFailure, xerrors.CodeOf(d.Dispatch(context.Background(), Delivery{Envelope: boom})))

	p, _ := NewEnvelope("panic.v1", querent, oracle, map[string]any{})
	assert.Error(t, d.Dispatch(context.Background(), Delivery{Envelope: p}))

	assert.Equal(t, xerrors.CodeInvalidPayload, xerrors.CodeOf(d.Dispatch(context.Background(), Delivery{Raw: []byte("{")})))

	handled, failed := observer.snapshot()
	assert.Equal(t, 1, handled[SchemaFortuneRequest])
	assert.Equal(t, 1, failed[xerrors.CodeUnknownSchema])
	assert.Equal(t, 1, failed[xerrors.CodeTransportFailure])
	assert.Equal(t, 1, failed[xerrors.CodeUnknown])
	assert.Equal(t, 1, failed[xerrors.CodeInvalidPayload])
	assert.ElementsMatch(t, []string{SchemaFortuneRequest, "boom.v1", "panic.v1"}, d.Schemas())
}

func TestDispatcherRunOverMemoryNetwork(t *testing.T) {
	defer goleak.VerifyNone(t)

	querent := identity(t, "querent").Address()
	oracle := identity(t, "oracle").Address()

	network := NewMemoryNetwork(16)
	defer network.Close()
	oracleBox := network.Mailbox(oracle)
	querentBox := network.Mailbox(querent)

	d := NewDispatcher(oracleBox, WithWorkerCount(4))
	d.Register(SchemaFortuneRequest, func(ctx context.Context, env *Envelope) error {
		reply, err := env.Reply(SchemaFortuneResponse, oracle, map[string]string{"interpretation": "echo"})
		if err != nil {
			return err
		}
		return oracleBox.Send(ctx, reply)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	const n = 10
	for i := 0; i < n; i++ {
		env, err := NewEnvelope(SchemaFortuneRequest, querent, oracle, map[string]any{"lots": []int{i}})
		require.NoError(t, err)
		require.NoError(t, querentBox.Send(context.Background(), env))
	}

	for i := 0; i < n; i++ {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		reply, err := querentBox.Next(waitCtx)
		waitCancel()
		require.NoError(t, err)
		assert.Equal(t, SchemaFortuneResponse, reply.Schema)
		assert.Equal(t, querent, reply.Target)
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherRunRequiresInbox(t *testing.T) {
	err := NewDispatcher(nil).Run(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
