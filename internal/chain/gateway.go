package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/settlement_layer/internal/config"
)

// GatewayOptions tunes every network of a Gateway.
type GatewayOptions struct {
	RPCTimeout      time.Duration
	ReceiptAttempts int
	ReceiptDelay    time.Duration
	WriteTimeout    time.Duration
	PollInterval    time.Duration
}

// Network bundles the client and contract wrappers of one chain.
type Network struct {
	Config      config.ChainConfig
	Client      *Client
	vaults      map[string]*Vault
	goals       *GoalManager
	leaderboard *Leaderboard
}

// Gateway routes chain operations to the network selected by chain id.
type Gateway struct {
	networks     map[string]*Network
	order        []string
	defaultChain string
	account      *Account
	opts         GatewayOptions
}

// Hint carries the optional inputs used to pick a chain.
type Hint struct {
	ChainID         string
	VaultAddress    string
	ContractAddress string
}

// VaultInfo describes a vault in canonical string form.
type VaultInfo struct {
	ChainID  string
	Asset    string
	Address  string
	Token    string
	Decimals int32
}

// NewGateway builds clients for every configured chain. account may be nil
// for read-only processes.
func NewGateway(netCfg *config.NetworkConfig, account *Account, opts GatewayOptions) (*Gateway, error) {
	if opts.ReceiptAttempts <= 0 {
		opts.ReceiptAttempts = 10
	}
	if opts.ReceiptDelay <= 0 {
		opts.ReceiptDelay = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultTxWaitTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	g := &Gateway{
		networks:     make(map[string]*Network),
		defaultChain: netCfg.DefaultChain,
		account:      account,
		opts:         opts,
	}

	for _, cc := range netCfg.Chains {
		client, err := NewClient(Config{RPCURL: cc.RPCURL, NetworkID: cc.NetworkMagic, Timeout: opts.RPCTimeout})
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		invokeOpts := InvokeOptions{ValidBlocks: cc.ValidBlocks, PollInterval: opts.PollInterval}
		n := &Network{Config: cc, Client: client, vaults: make(map[string]*Vault)}

		for _, vc := range cc.Vaults {
			hash, err := ParseHash160(vc.Address)
			if err != nil {
				return nil, fmt.Errorf("chain %s vault %s: %w", cc.ID, vc.Asset, err)
			}
			token, err := ParseHash160(vc.Token)
			if err != nil {
				return nil, fmt.Errorf("chain %s vault %s token: %w", cc.ID, vc.Asset, err)
			}
			n.vaults[vc.Asset] = &Vault{client: client, account: account, hash: hash, token: token, decimals: vc.Decimals, opts: invokeOpts}
		}
		if cc.GoalManager != "" {
			hash, err := ParseHash160(cc.GoalManager)
			if err != nil {
				return nil, fmt.Errorf("chain %s goal manager: %w", cc.ID, err)
			}
			n.goals = &GoalManager{client: client, account: account, hash: hash, opts: invokeOpts}
		}
		if cc.Leaderboard != "" {
			hash, err := ParseHash160(cc.Leaderboard)
			if err != nil {
				return nil, fmt.Errorf("chain %s leaderboard: %w", cc.ID, err)
			}
			n.leaderboard = &Leaderboard{client: client, account: account, hash: hash, opts: invokeOpts}
		}

		g.networks[cc.ID] = n
		g.order = append(g.order, cc.ID)
	}
	return g, nil
}

// Network returns the network with chainID.
func (g *Gateway) Network(chainID string) (*Network, error) {
	n, ok := g.networks[chainID]
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainID)
	}
	return n, nil
}

// Account returns the relayer account, or nil.
func (g *Gateway) Account() *Account {
	return g.account
}

// ResolveChain picks a chain from an explicit id, else the vault address,
// else a known contract address, else the default chain.
func (g *Gateway) ResolveChain(h Hint) (string, error) {
	if h.ChainID != "" {
		if _, ok := g.networks[h.ChainID]; !ok {
			return "", fmt.Errorf("unknown chain %q", h.ChainID)
		}
		return h.ChainID, nil
	}
	if h.VaultAddress != "" {
		if hash, err := ParseHash160(h.VaultAddress); err == nil {
			for _, id := range g.order {
				for _, v := range g.networks[id].vaults {
					if v.hash.Equals(hash) {
						return id, nil
					}
				}
			}
		}
	}
	if h.ContractAddress != "" {
		if hash, err := ParseHash160(h.ContractAddress); err == nil {
			for _, id := range g.order {
				if g.networks[id].ownsContract(hash) {
					return id, nil
				}
			}
		}
	}
	return g.defaultChain, nil
}

func (n *Network) ownsContract(hash util.Uint160) bool {
	if n.goals != nil && n.goals.hash.Equals(hash) {
		return true
	}
	if n.leaderboard != nil && n.leaderboard.hash.Equals(hash) {
		return true
	}
	for _, v := range n.vaults {
		if v.hash.Equals(hash) || v.token.Equals(hash) {
			return true
		}
	}
	return false
}

// VaultInfo returns the vault of asset on chainID.
func (g *Gateway) VaultInfo(chainID, asset string) (*VaultInfo, error) {
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	return &VaultInfo{
		ChainID:  chainID,
		Asset:    strings.ToUpper(asset),
		Address:  HashString(v.hash),
		Token:    HashString(v.token),
		Decimals: v.decimals,
	}, nil
}

// VaultByHash finds the asset of a vault contract on chainID.
func (g *Gateway) VaultByHash(chainID string, hash util.Uint160) (*VaultInfo, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	for asset, v := range n.vaults {
		if v.hash.Equals(hash) {
			return g.VaultInfo(chainID, asset)
		}
	}
	return nil, fmt.Errorf("chain %s: no vault %s", chainID, HashString(hash))
}

func (g *Gateway) vault(chainID, asset string) (*Vault, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	v, ok := n.vaults[strings.ToUpper(asset)]
	if !ok {
		return nil, fmt.Errorf("chain %s: no vault for asset %s", chainID, asset)
	}
	return v, nil
}

func (g *Gateway) goalManager(chainID string) (*GoalManager, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	if n.goals == nil {
		return nil, fmt.Errorf("chain %s: goal manager not configured", chainID)
	}
	return n.goals, nil
}

func (g *Gateway) writeContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if g.account == nil {
		return nil, nil, fmt.Errorf("signer account not configured")
	}
	wctx, cancel := context.WithTimeout(ctx, g.opts.WriteTimeout)
	return wctx, cancel, nil
}

// =============================================================================
// Allocation operations
// =============================================================================

// WaitForReceipt polls the receipt with the configured attempts and delay.
func (g *Gateway) WaitForReceipt(ctx context.Context, chainID, txHash string) (*Receipt, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	return n.Client.WaitForReceipt(ctx, txHash, g.opts.ReceiptAttempts, g.opts.ReceiptDelay)
}

// IsProcessed reports whether the vault already allocated txHash.
func (g *Gateway) IsProcessed(ctx context.Context, chainID, asset, txHash string) (bool, error) {
	v, err := g.vault(chainID, asset)
	if err != nil {
		return false, err
	}
	src, err := ParseTxHash(txHash)
	if err != nil {
		return false, err
	}
	return v.IsProcessed(ctx, src)
}

// DepositHeadroom returns the user's vault total and the vault's per-user cap.
func (g *Gateway) DepositHeadroom(ctx context.Context, chainID, asset, user string) (*big.Int, *big.Int, error) {
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, nil, err
	}
	u, err := ParseHash160(user)
	if err != nil {
		return nil, nil, err
	}
	total, err := v.UserTotal(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	limit, err := v.DepositCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	return total, limit, nil
}

// Allocate invokes the vault allocation for an already received transfer.
func (g *Gateway) Allocate(ctx context.Context, chainID, asset, user string, amount *big.Int, txHash string) (*Allocation, error) {
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	u, err := ParseHash160(user)
	if err != nil {
		return nil, err
	}
	src, err := ParseTxHash(txHash)
	if err != nil {
		return nil, err
	}
	wctx, cancel, err := g.writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return v.AllocateOnBehalf(wctx, u, amount, src)
}

// ProcessedDeposit looks up the deposit a previous allocation of txHash created.
func (g *Gateway) ProcessedDeposit(ctx context.Context, chainID, asset, txHash string) (*Allocation, error) {
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	src, err := ParseTxHash(txHash)
	if err != nil {
		return nil, err
	}
	return v.ProcessedDeposit(ctx, src)
}

// RecordLeaderboard adds amount to the user's leaderboard score.
func (g *Gateway) RecordLeaderboard(ctx context.Context, chainID, user string, amount *big.Int) error {
	n, err := g.Network(chainID)
	if err != nil {
		return err
	}
	if n.leaderboard == nil {
		return fmt.Errorf("chain %s: leaderboard not configured", chainID)
	}
	u, err := ParseHash160(user)
	if err != nil {
		return err
	}
	wctx, cancel, err := g.writeContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return n.leaderboard.RecordDeposit(wctx, u, amount)
}

// =============================================================================
// Goal operations
// =============================================================================

// GetGoal reads goal goalID on chainID.
func (g *Gateway) GetGoal(ctx context.Context, chainID string, goalID *big.Int) (*Goal, error) {
	gm, err := g.goalManager(chainID)
	if err != nil {
		return nil, err
	}
	return gm.GetGoal(ctx, goalID)
}

// QuicksaveGoal returns the user's quicksave goal for asset, or zero.
func (g *Gateway) QuicksaveGoal(ctx context.Context, chainID, asset, user string) (*big.Int, error) {
	gm, err := g.goalManager(chainID)
	if err != nil {
		return nil, err
	}
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	u, err := ParseHash160(user)
	if err != nil {
		return nil, err
	}
	return gm.QuicksaveGoal(ctx, v.hash, u)
}

// CreateQuicksaveGoal creates the user's quicksave goal for asset.
func (g *Gateway) CreateQuicksaveGoal(ctx context.Context, chainID, asset, user string) (*big.Int, error) {
	gm, err := g.goalManager(chainID)
	if err != nil {
		return nil, err
	}
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	u, err := ParseHash160(user)
	if err != nil {
		return nil, err
	}
	wctx, cancel, err := g.writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return gm.CreateQuicksaveGoal(wctx, u, v.hash)
}

// CreateGoal creates a goal for owner on the vault of asset.
func (g *Gateway) CreateGoal(ctx context.Context, chainID, asset, owner string, target *big.Int, targetDate time.Time) (*big.Int, error) {
	gm, err := g.goalManager(chainID)
	if err != nil {
		return nil, err
	}
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	u, err := ParseHash160(owner)
	if err != nil {
		return nil, err
	}
	wctx, cancel, err := g.writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return gm.CreateGoal(wctx, u, v.hash, target, targetDate.UnixMilli())
}

// AttachDeposit attaches owner's deposit to goalID.
func (g *Gateway) AttachDeposit(ctx context.Context, chainID, owner string, goalID, depositID *big.Int) error {
	gm, err := g.goalManager(chainID)
	if err != nil {
		return err
	}
	u, err := ParseHash160(owner)
	if err != nil {
		return err
	}
	wctx, cancel, err := g.writeContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return gm.AttachDeposit(wctx, u, goalID, depositID)
}

// DepositValue returns the current asset value of an attached deposit.
func (g *Gateway) DepositValue(ctx context.Context, chainID string, vault, owner util.Uint160, depositID *big.Int) (*big.Int, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	for _, v := range n.vaults {
		if !v.hash.Equals(vault) {
			continue
		}
		d, err := v.GetDeposit(ctx, owner, depositID)
		if err != nil {
			return nil, err
		}
		return v.ConvertToAssets(ctx, d.Shares)
	}
	return nil, fmt.Errorf("chain %s: no vault %s", chainID, HashString(vault))
}

// =============================================================================
// Payout operations
// =============================================================================

// PayoutBalances returns the relayer's settlement token and GAS balances.
func (g *Gateway) PayoutBalances(ctx context.Context, chainID, asset string) (*big.Int, *big.Int, error) {
	if g.account == nil {
		return nil, nil, fmt.Errorf("signer account not configured")
	}
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, nil, err
	}
	n := g.networks[chainID]
	gasToken, err := ParseHash160(n.Config.GasToken)
	if err != nil {
		return nil, nil, err
	}
	tokenBalance, err := n.Client.BalanceOf(ctx, v.token, g.account.ScriptHash())
	if err != nil {
		return nil, nil, fmt.Errorf("token balance: %w", err)
	}
	gasBalance, err := n.Client.BalanceOf(ctx, gasToken, g.account.ScriptHash())
	if err != nil {
		return nil, nil, fmt.Errorf("gas balance: %w", err)
	}
	return tokenBalance, gasBalance, nil
}

// PreparePayout dry-runs and signs a settlement token transfer to recipient.
func (g *Gateway) PreparePayout(ctx context.Context, chainID, asset, recipient string, amount *big.Int, gasPadPercent int64) (*PreparedTx, error) {
	if g.account == nil {
		return nil, fmt.Errorf("signer account not configured")
	}
	v, err := g.vault(chainID, asset)
	if err != nil {
		return nil, err
	}
	to, err := ParseHash160(recipient)
	if err != nil {
		return nil, err
	}
	n := g.networks[chainID]
	opts := InvokeOptions{GasPadPercent: gasPadPercent, ValidBlocks: n.Config.ValidBlocks, PollInterval: g.opts.PollInterval}
	return n.Client.PrepareTransfer(ctx, g.account, v.token, to, amount, opts)
}

// PayoutReceipt looks up the execution of a broadcast payout once. It wraps
// ErrNotFound while the node has not executed the transaction.
func (g *Gateway) PayoutReceipt(ctx context.Context, chainID, txHash string) (*Receipt, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	return n.Client.WaitForReceipt(ctx, txHash, 1, 0)
}

// BlockCount returns the number of blocks on chainID.
func (g *Gateway) BlockCount(ctx context.Context, chainID string) (uint32, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return 0, err
	}
	return n.Client.GetBlockCount(ctx)
}

// SubmitPayout broadcasts a prepared payout and waits for confirmation.
func (g *Gateway) SubmitPayout(ctx context.Context, chainID string, p *PreparedTx) (*Receipt, error) {
	n, err := g.Network(chainID)
	if err != nil {
		return nil, err
	}
	wctx, cancel, err := g.writeContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return n.Client.Submit(wctx, p, g.opts.PollInterval)
}
