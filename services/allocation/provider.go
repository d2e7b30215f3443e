package allocation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/settlement_layer/internal/config"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature"

// Outcome is the coarse provider status of a payment.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is a provider payload reduced to the fields the coordinator needs.
type Event struct {
	Provider     string
	Code         string
	Status       string
	Outcome      Outcome
	TxHash       string
	UserAddress  string
	Amount       string
	Asset        string
	ChainID      string
	VaultAddress string
	MetaGoalID   string
	TargetGoalID string
	Payload      []byte
}

// Record converts the event into the settlement record it creates or refreshes.
func (e *Event) Record() *database.SettlementRecord {
	return &database.SettlementRecord{
		Code:           e.Code,
		Provider:       e.Provider,
		ProviderStatus: string(e.Outcome),
		Amount:         e.Amount,
		Asset:          strings.ToUpper(e.Asset),
		UserAddress:    e.UserAddress,
		TxHash:         e.TxHash,
		ChainID:        e.ChainID,
		VaultAddress:   e.VaultAddress,
		TargetGoalID:   e.TargetGoalID,
		MetaGoalID:     e.MetaGoalID,
		Payload:        e.Payload,
	}
}

// Provider reads one mobile-money provider's payloads.
type Provider struct {
	name    string
	secret  []byte
	paths   map[string]string
	success map[string]bool
	failure map[string]bool

	statusURL string
	client    *httputil.Client
}

// NewProvider builds a provider from config. Secrets are read from the
// environment variables the config names.
func NewProvider(cfg config.ProviderConfig) *Provider {
	p := &Provider{
		name:      strings.ToLower(cfg.Name),
		paths:     cfg.Paths,
		success:   make(map[string]bool),
		failure:   make(map[string]bool),
		statusURL: cfg.StatusURL,
	}
	if cfg.SecretEnv != "" {
		p.secret = []byte(os.Getenv(cfg.SecretEnv))
	}
	for _, v := range cfg.SuccessValues {
		p.success[strings.ToLower(v)] = true
	}
	for _, v := range cfg.FailureValues {
		p.failure[strings.ToLower(v)] = true
	}
	if cfg.StatusURL != "" {
		var apiKey string
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}
		p.client = httputil.NewClient(httputil.ClientConfig{APIKey: apiKey})
	}
	return p
}

// Name returns the lower-cased provider name.
func (p *Provider) Name() string { return p.name }

// WithSecret overrides the webhook secret.
func (p *Provider) WithSecret(secret []byte) *Provider {
	p.secret = secret
	return p
}

// VerifySignature checks the X-Signature header against body. A provider
// without a secret accepts nothing.
func (p *Provider) VerifySignature(body []byte, signature string) error {
	if len(p.secret) == 0 {
		return errors.Unauthorized("webhook secret not configured for provider " + p.name)
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return errors.Unauthorized("missing or malformed webhook signature")
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.Unauthorized("webhook signature mismatch")
	}
	return nil
}

// Sign returns the signature header value for body.
func (p *Provider) Sign(body []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Provider) field(body []byte, name string) string {
	path := p.paths[name]
	if path == "" {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(body, path).String())
}

// Parse extracts an event from a provider JSON document.
func (p *Provider) Parse(body []byte) (*Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.InvalidInput("payload", "must be valid JSON")
	}
	ev := &Event{
		Provider:     p.name,
		Code:         p.field(body, config.FieldCode),
		Status:       p.field(body, config.FieldStatus),
		TxHash:       p.field(body, config.FieldTxHash),
		UserAddress:  p.field(body, config.FieldUser),
		Amount:       p.field(body, config.FieldAmount),
		Asset:        p.field(body, config.FieldAsset),
		ChainID:      p.field(body, config.FieldChain),
		VaultAddress: p.field(body, config.FieldVault),
		MetaGoalID:   p.field(body, config.FieldMetaGoal),
		TargetGoalID: p.field(body, config.FieldTargetGoal),
		Payload:      body,
	}
	if ev.Code == "" {
		return nil, errors.InvalidInput("payload", "transaction code not found at "+p.paths[config.FieldCode])
	}
	status := strings.ToLower(ev.Status)
	switch {
	case p.success[status]:
		ev.Outcome = OutcomeSuccess
	case p.failure[status]:
		ev.Outcome = OutcomeFailure
	default:
		ev.Outcome = OutcomePending
	}
	return ev, nil
}

// =============================================================================
// Status polling
// =============================================================================

// StatusChecker asks a provider for the current status of a payment.
type StatusChecker interface {
	CheckStatus(ctx context.Context, provider, code string) (*Event, error)
}

// Providers indexes providers by name and implements StatusChecker.
type Providers map[string]*Provider

// NewProviders builds every configured provider.
func NewProviders(cfgs []config.ProviderConfig) Providers {
	out := make(Providers, len(cfgs))
	for _, c := range cfgs {
		p := NewProvider(c)
		out[p.name] = p
	}
	return out
}

// defaultCodePaths locate the transaction code in payloads whose provider has
// no mapping of its own.
var defaultCodePaths = []string{"TransID", "transaction_code", "transactionCode", "code"}

// TransactionCode finds the provider transaction code embedded in payload.
// The named provider's code path wins; without a name every configured
// provider is tried in name order before the common field names.
func (ps Providers) TransactionCode(provider string, payload []byte) string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return ""
	}
	var candidates []*Provider
	if p, ok := ps.Get(provider); ok {
		candidates = append(candidates, p)
	} else if provider == "" {
		names := make([]string, 0, len(ps))
		for name := range ps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			candidates = append(candidates, ps[name])
		}
	}
	for _, p := range candidates {
		if code := p.field(payload, config.FieldCode); code != "" {
			return code
		}
	}
	for _, path := range defaultCodePaths {
		if code := strings.TrimSpace(gjson.GetBytes(payload, path).String()); code != "" {
			return code
		}
	}
	return ""
}

// Get returns the provider named name.
func (ps Providers) Get(name string) (*Provider, bool) {
	p, ok := ps[strings.ToLower(name)]
	return p, ok
}

// CheckStatus fetches the provider's status document for code and parses it
// with the provider's webhook paths.
func (ps Providers) CheckStatus(ctx context.Context, provider, code string) (*Event, error) {
	p, ok := ps.Get(provider)
	if !ok {
		return nil, errors.NotFound("provider", provider)
	}
	if p.client == nil {
		return nil, fmt.Errorf("provider %s has no status url", p.name)
	}
	target := strings.ReplaceAll(p.statusURL, "{code}", url.PathEscape(code))
	body, err := p.client.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	ev, err := p.Parse(body)
	if err != nil {
		return nil, err
	}
	if ev.Code != code {
		return nil, fmt.Errorf("provider %s returned status for %q, expected %q", p.name, ev.Code, code)
	}
	return ev, nil
}
