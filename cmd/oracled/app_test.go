package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fortune-Oracle/internal/config"
	"Fortune-Oracle/internal/fortune"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/web3"
	"Fortune-Oracle/sdk/go/oracle"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ORACLE_RUNTIME_DATA_DIR", t.TempDir())
	t.Setenv("ORACLE_SERVER_ADDRESS", "127.0.0.1:0")
	t.Setenv("ORACLE_METRICS_ENABLED", "false")
	t.Setenv("COMMERCE_API_KEY", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestAppDeliversRepliesThroughMailbox(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()
	client, err := oracle.NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	querent, err := web3.NewIdentity("querent")
	require.NoError(t, err)
	req, err := messaging.NewEnvelope(messaging.SchemaFortuneRequest, querent.Address(), a.agent.Address(), fortune.FortuneRequest{Lots: []int64{1, 2, 3}})
	require.NoError(t, err)
	require.NoError(t, req.Sign(querent))
	raw, err := req.Marshal()
	require.NoError(t, err)

	receipt, err := client.Submit(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, req.ID, receipt.ID)

	var replies []oracle.Envelope
	require.Eventually(t, func() bool {
		issuedAt := time.Now().Unix()
		sig, err := messaging.SignMailboxAccess(querent, issuedAt)
		if err != nil {
			return false
		}
		got, err := client.Replies(ctx, querent.Address(), issuedAt, sig, 10)
		if err != nil {
			return false
		}
		replies = append(replies, got...)
		return len(replies) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Len(t, replies, 1)
	assert.Equal(t, req.ID, replies[0].InReplyTo)
	assert.True(t, web3.SameAddress(a.agent.Address(), replies[0].Sender))
	assert.JSONEq(t, `{"interpretation":"Lots [1, 2, 3] have been cast. Focus on your health and well-being."}`, string(replies[0].Payload))

	history, err := client.Readings(ctx, querent.Address(), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, req.ID, history[0].EnvelopeID)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after cancel")
	}
}

func TestAppRunFailsWhenDispatcherStops(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	// 关闭进程内网络后分发器无法继续消费。
	a.closers[0]()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "消息分发器异常退出")
		assert.False(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run must return when the dispatcher stops")
	}
}

func TestAppWiresCommerceWhenKeyConfigured(t *testing.T) {
	cfg := testConfig(t)
	service, err := createCommerce(cfg)
	require.NoError(t, err)
	assert.Nil(t, service)

	cfg.Commerce.APIKey = "cc-test"
	service, err = createCommerce(cfg)
	require.NoError(t, err)
	assert.NotNil(t, service)
}
