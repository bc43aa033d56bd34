// Package config defines the relayer's typed configuration surface and
// loads it from TOML, following the geth cmd/utils pattern of a single
// struct unmarshaled from file and overridable by CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/errs"
)

// IndexMode selects how an origin's log indexer scans for new messages.
type IndexMode string

const (
	IndexModeBlock    IndexMode = "block"
	IndexModeSequence IndexMode = "sequence"
)

// GasPaymentPolicy is one entry of a gas_payment_enforcement policy list.
type GasPaymentPolicy string

const (
	PolicyNone              GasPaymentPolicy = "none"
	PolicyMinimum            GasPaymentPolicy = "minimum"
	PolicyOnChainFeeQuoting GasPaymentPolicy = "on-chain-fee-quoting"
)

// MatchingEntry is one 4-tuple of a MatchingList; each field may be "*".
type MatchingEntry struct {
	Origin      string `toml:"origin"`
	Destination string `toml:"destination"`
	Sender      string `toml:"sender"`
	Recipient   string `toml:"recipient"`
}

const wildcard = "*"

func fieldMatches(pattern, value string) bool {
	return pattern == wildcard || pattern == value
}

// Matches reports whether the entry matches the given concrete identity.
func (e MatchingEntry) Matches(origin, destination domain.DomainID, sender, recipient domain.Hash32) bool {
	return fieldMatches(e.Origin, origin.String()) &&
		fieldMatches(e.Destination, destination.String()) &&
		fieldMatches(e.Sender, sender.String()) &&
		fieldMatches(e.Recipient, recipient.String())
}

// MatchingList is an ordered set of MatchingEntry prefixes used by
// whitelists, blacklists, address blacklists and retry requests.
type MatchingList []MatchingEntry

// Matches reports whether any entry in the list matches the given identity.
// An empty list matches everything, mirroring "no restriction configured".
func (m MatchingList) Matches(origin, destination domain.DomainID, sender, recipient domain.Hash32) bool {
	if len(m) == 0 {
		return true
	}
	for _, e := range m {
		if e.Matches(origin, destination, sender, recipient) {
			return true
		}
	}
	return false
}

// ChainIndexConfig is the per-origin index.* table.
type ChainIndexConfig struct {
	From      uint64    `toml:"from"`
	ChunkSize uint64    `toml:"chunk_size"`
	Mode      IndexMode `toml:"mode"`
}

// ChainKind selects which Mailbox/Source adapter family a chain uses.
type ChainKind string

const (
	ChainKindEVM    ChainKind = "evm"
	ChainKindCosmos ChainKind = "cosmos"
	ChainKindUTXO   ChainKind = "utxo"
)

// ChainConfig is one entry of the origin_chains/destination_chains sets.
type ChainConfig struct {
	Domain       domain.DomainID  `toml:"domain"`
	Name         string           `toml:"name"`
	Kind         ChainKind        `toml:"kind"`
	RPCURL       string           `toml:"rpc_url"`
	ReorgPeriod  uint64           `toml:"reorg_period"`
	MaxBatchSize int              `toml:"max_batch_size"`
	Index        ChainIndexConfig `toml:"index"`

	// MailboxAddress is the destination Mailbox contract's address (EVM
	// chains) or its hex-encoded module account (Cosmos-SDK chains);
	// unused for origin-only entries.
	MailboxAddress string `toml:"mailbox_address"`

	// SignerKeyHex is the hex-encoded ECDSA private key used to sign
	// outbound delivery transactions on this destination; unused for
	// origin-only entries. Production deployments are expected to
	// override this via an external signer, not by committing a key to
	// the config file.
	SignerKeyHex string `toml:"signer_key"`

	// RateLimitPerSecond bounds an EVM destination mailbox's Delivered
	// and Process calls; zero means unlimited.
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
}

// MetricAppContext labels a MatchingList for metrics-label purposes.
type MetricAppContext struct {
	Matching MatchingList `toml:"matching"`
	Label    string       `toml:"label"`
}

// Config is the relayer's full static configuration.
type Config struct {
	OriginChains      []ChainConfig `toml:"origin_chains"`
	DestinationChains []ChainConfig `toml:"destination_chains"`

	DBPath string `toml:"db_path"`

	GasPaymentEnforcement []GasPaymentPolicy `toml:"gas_payment_enforcement"`

	Whitelist         MatchingList `toml:"whitelist"`
	Blacklist         MatchingList `toml:"blacklist"`
	AddressBlacklist  MatchingList `toml:"address_blacklist"`

	TransactionGasLimit        uint64          `toml:"transaction_gas_limit"`
	SkipTransactionGasLimitFor []domain.DomainID `toml:"skip_transaction_gas_limit_for"`

	MetricAppContexts []MetricAppContext `toml:"metric_app_contexts"`

	AllowLocalCheckpointSyncers bool `toml:"allow_local_checkpoint_syncers"`

	// RPCTimeout bounds every outbound chain RPC call; a timeout is
	// classified as a transport error and retried with backoff.
	RPCTimeout time.Duration `toml:"rpc_timeout"`

	// MetricsListenAddr serves GET /metrics and POST /message_retry.
	MetricsListenAddr string `toml:"metrics_listen_addr"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Config("load", fmt.Errorf("config file %q not found: %w", path, err))
		}
		return nil, errs.Config("load", fmt.Errorf("parsing %q: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.Config("validate", err)
	}
	return &cfg, nil
}

// Validate checks the configuration is internally consistent, the way
// geth's makeConfigNode validates flags before starting the node.
func (c *Config) Validate() error {
	if len(c.OriginChains) == 0 {
		return fmt.Errorf("origin_chains must not be empty")
	}
	if len(c.DestinationChains) == 0 {
		return fmt.Errorf("destination_chains must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.TransactionGasLimit == 0 {
		return fmt.Errorf("transaction_gas_limit must be nonzero")
	}
	seen := mapset.NewSet[domain.DomainID]()
	for _, ch := range c.OriginChains {
		if seen.Contains(ch.Domain) {
			return fmt.Errorf("duplicate origin chain domain %s", ch.Domain)
		}
		seen.Add(ch.Domain)
		if ch.Index.Mode != IndexModeBlock && ch.Index.Mode != IndexModeSequence {
			return fmt.Errorf("chain %s: index.mode must be %q or %q", ch.Name, IndexModeBlock, IndexModeSequence)
		}
		if ch.Index.ChunkSize == 0 {
			return fmt.Errorf("chain %s: index.chunk_size must be nonzero", ch.Name)
		}
		if ch.MaxBatchSize == 0 {
			ch.MaxBatchSize = 1
		}
	}
	return nil
}

// SkipsGasLimit reports whether d is in the configured gas-limit skip set.
func (c *Config) SkipsGasLimit(d domain.DomainID) bool {
	for _, id := range c.SkipTransactionGasLimitFor {
		if id == d {
			return true
		}
	}
	return false
}
