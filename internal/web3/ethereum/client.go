package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"Fortune-Oracle/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// chainBackend mirrors the subset of ethclient used by the agent.
type chainBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   chainBackend
	chainID   *big.Int
	mu        sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

func (c *Client) chain() (chainBackend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	return c.backend, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.chain()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}

	if c.eth != nil {
		chainID, err := c.eth.ChainID(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		blockNumber, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		return web3.ChainSnapshot{
			ChainID:     toHexBig(chainID),
			BlockNumber: fmt.Sprintf("0x%x", blockNumber),
			Notes:       c.notes,
		}, nil
	}

	if c.chainID == nil {
		return web3.ChainSnapshot{}, errors.New("未配置链 ID")
	}
	block, err := backend.BlockByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取区块信息失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", block.NumberU64()),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the latest balance of account in wei.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
