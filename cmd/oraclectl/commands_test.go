package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fortune-Oracle/internal/agent"
	"Fortune-Oracle/internal/api"
	"Fortune-Oracle/internal/commerce"
	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/storage"
	"Fortune-Oracle/internal/web3"
)

func startServer(t *testing.T, opts ...api.Option) (*httptest.Server, *agent.Agent, *messaging.MemoryNetwork) {
	t.Helper()
	identity, err := web3.NewIdentity("oracle_fortune_teller_seed_123")
	require.NoError(t, err)
	repo, err := storage.NewMemoryReadingRepository(t.TempDir())
	require.NoError(t, err)
	network := messaging.NewMemoryNetwork(8)
	t.Cleanup(func() { _ = network.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	ag, err := agent.New(identity, agent.WithReadingRepository(repo), agent.WithLogger(quiet))
	require.NoError(t, err)
	base := []api.Option{
		api.WithOutbox(network.Mailbox(ag.Address())),
		api.WithPayment(api.PaymentConfig{Enabled: true, Network: "eip155:8453", PayTo: "0x2222222222222222222222222222222222222222", Price: "$0.01"}),
		api.WithLogger(quiet),
	}
	server := api.NewServer(":0", ag, append(base, opts...)...)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, ag, network
}

// startDaemon 启动带消息分发器的智能体，回复可通过邮箱接口领取。
func startDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	identity, err := web3.NewIdentity("oracle_fortune_teller_seed_123")
	require.NoError(t, err)
	network := messaging.NewMemoryNetwork(8)
	t.Cleanup(func() { _ = network.Close() })
	mailbox := network.Mailbox(identity.Address())

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	ag, err := agent.New(identity, agent.WithOutbox(mailbox), agent.WithLogger(quiet))
	require.NoError(t, err)
	dispatcher := messaging.NewDispatcher(mailbox, messaging.WithDispatcherLogger(quiet))
	ag.Register(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	server := api.NewServer(":0", ag,
		api.WithOutbox(mailbox),
		api.WithCollector(mailbox),
		api.WithLogger(quiet))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

type paidCharges struct{}

func (paidCharges) CreateCharge(context.Context, commerce.ChargeRequest) (*commerce.Charge, error) {
	return &commerce.Charge{ID: "c-1", Code: "K7XQ2M9A", HostedURL: "https://commerce.coinbase.com/charges/K7XQ2M9A", ExpiresAt: "2026-02-17T12:00:00Z"}, nil
}

func (paidCharges) GetCharge(_ context.Context, id string) (*commerce.Charge, error) {
	switch id {
	case "c-1":
		return &commerce.Charge{ID: id, Code: "K7XQ2M9A", Timeline: []commerce.TimelineEntry{{Status: "COMPLETED"}}}, nil
	case "c-2":
		return &commerce.Charge{ID: id, Timeline: []commerce.TimelineEntry{{Status: "PENDING"}}}, nil
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "Invalid charge_id")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCastLocal(t *testing.T) {
	out, err := execute(t, "cast", "--local", "1", "2", "3")
	require.NoError(t, err)
	assert.Equal(t, "Lots [1, 2, 3] have been cast. Focus on your health and well-being.\n", out)

	out, err = execute(t, "cast", "--local", "--", "-5")
	require.NoError(t, err)
	assert.Equal(t, "Lots [-5] have been cast. Focus on your health and well-being.\n", out)

	_, err = execute(t, "cast", "--local", "one")
	require.Error(t, err)
}

func TestCastRemoteMatchesLocal(t *testing.T) {
	srv, _, _ := startServer(t)

	remote, err := execute(t, "--server", srv.URL, "cast", "4", "5", "6")
	require.NoError(t, err)
	local, err := execute(t, "cast", "--local", "4", "5", "6")
	require.NoError(t, err)
	assert.Equal(t, local, remote)
}

func TestAddress(t *testing.T) {
	id, err := web3.NewIdentity("oracle_fortune_teller_seed_123")
	require.NoError(t, err)

	out, err := execute(t, "address")
	require.NoError(t, err)
	assert.Equal(t, id.Address()+"\n", out)
}

func TestHealthAndSticks(t *testing.T) {
	srv, ag, _ := startServer(t)

	out, err := execute(t, "--server", srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, ag.Address())

	out, err = execute(t, "--server", srv.URL, "sticks", "--numbers", "4,5,6", "--category", "love", "--language", "en")
	require.NoError(t, err)
	assert.Contains(t, out, "Sticks:  [4 5 6]")
	assert.Contains(t, out, "Oracle:  Lots [4, 5, 6] have been cast. Great fortune awaits!")

	out, err = execute(t, "--server", srv.URL, "sticks", "--reference", "abc", "--payer", "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Contains(t, out, "Sticks:  [55 77 2]")
	assert.Contains(t, out, "Paid by: 0x1111111111111111111111111111111111111111")

	_, err = execute(t, "--server", srv.URL, "sticks")
	require.Error(t, err)
	_, err = execute(t, "--server", srv.URL, "sticks", "--reference", "abc", "--payer", "alice")
	require.Error(t, err)
}

func TestSubmitAndReadings(t *testing.T) {
	srv, ag, network := startServer(t)

	out, err := execute(t, "--server", srv.URL, "submit", "--seed", "querent", "1", "2", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "queued")

	env, err := network.Mailbox(ag.Address()).Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.Verify())
	assert.Equal(t, messaging.SchemaFortuneRequest, env.Schema)

	_, err = execute(t, "--server", srv.URL, "cast", "7")
	require.NoError(t, err)
	out, err = execute(t, "--server", srv.URL, "readings", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "Lots [7] have been cast.")
}

func TestSubmitWaitsForReply(t *testing.T) {
	srv := startDaemon(t)

	out, err := execute(t, "--server", srv.URL, "submit", "--seed", "querent", "--wait", "5s", "--poll", "20ms", "1", "2", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "Lots [1, 2, 3] have been cast. Focus on your health and well-being.")
}

func TestSubmitWaitFailsWithoutMailboxPickup(t *testing.T) {
	// 服务未开放邮箱领取。
	srv, _, _ := startServer(t)

	_, err := execute(t, "--server", srv.URL, "submit", "--seed", "querent", "--wait", "100ms", "--poll", "20ms", "4")
	require.Error(t, err)
}

func TestChargeAndCommerceSticks(t *testing.T) {
	srv, _, _ := startServer(t, api.WithCommerce(paidCharges{}))

	out, err := execute(t, "--server", srv.URL, "charge", "--category", "wealth")
	require.NoError(t, err)
	assert.Contains(t, out, "Charge:  c-1 (K7XQ2M9A)")
	assert.Contains(t, out, "Pay at:  https://commerce.coinbase.com/charges/K7XQ2M9A")

	out, err = execute(t, "--server", srv.URL, "sticks", "--charge", "c-1", "--category", "wealth", "--language", "en")
	require.NoError(t, err)
	assert.Contains(t, out, "Sticks:  ")
	assert.Contains(t, out, "Luck:    Lucky / Good Fortune")

	_, err = execute(t, "--server", srv.URL, "sticks", "--charge", "c-2")
	require.ErrorContains(t, err, "PENDING")
}

func TestHelpIsChinese(t *testing.T) {
	out, err := execute(t, "submit", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "求签者身份由 --seed 推导")
	assert.Contains(t, out, "等待回复的最长时间")
}
