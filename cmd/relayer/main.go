// Command relayer drives the cross-chain message relayer core: one
// indexer per origin chain, one submitter pipeline per destination
// chain, and the shared operator HTTP surface, wired together from a
// single TOML config file the way geth's cmd/geth wires node, eth and
// les services from one Config struct.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/indexer"
	"github.com/chainrelay/relayer-core/indexer/evmsource"
	"github.com/chainrelay/relayer-core/mailbox"
	"github.com/chainrelay/relayer-core/mailbox/evm"
	"github.com/chainrelay/relayer-core/metricsx"
	"github.com/chainrelay/relayer-core/noncemgr"
	"github.com/chainrelay/relayer-core/pendingop"
	"github.com/chainrelay/relayer-core/processor"
	"github.com/chainrelay/relayer-core/retryapi"
	"github.com/chainrelay/relayer-core/store"
	"github.com/chainrelay/relayer-core/store/leveldb"
	"github.com/chainrelay/relayer-core/submitter"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "path to the relayer's TOML configuration file",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:   "relayer",
		Usage:  "run the cross-chain message relayer core",
		Flags:  []cli.Flag{configFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("relayer exited", "err", err)
	}
}

// hashMessage is the pendingop.Hasher every MessageContext shares:
// keccak256 of the canonical encoding, kept out of package domain so it
// stays free of the crypto import.
func hashMessage(msg domain.Message) domain.MessageID {
	return domain.MessageID(crypto.Keccak256Hash(msg.Encode()))
}

// deployment holds every component built for one relayer process,
// collected so Run can start and stop them together.
type deployment struct {
	cfg     *config.Config
	metrics *metricsx.Registry
	stores  map[domain.DomainID]store.OriginStore

	indexers   []*indexer.Indexer
	processors []*processor.Processor
	submitters map[domain.DomainID]*submitter.Submitter

	retry *retryapi.Server
}

func run(c *cli.Context) error {
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := build(cfg)
	if err != nil {
		return fmt.Errorf("build deployment: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutdown requested")
		cancel()
	}()

	return d.Run(ctx)
}

// build constructs every store, submitter and indexer named by cfg, but
// starts nothing: every subsystem's Run is left to Run below, the way
// geth's makeFullNode separates construction from Start.
func build(cfg *config.Config) (*deployment, error) {
	d := &deployment{
		cfg:        cfg,
		metrics:    metricsx.New(),
		stores:     map[domain.DomainID]store.OriginStore{},
		submitters: map[domain.DomainID]*submitter.Submitter{},
	}

	incoming := map[domain.DomainID]chan *pendingop.Operation{}
	for _, dst := range cfg.DestinationChains {
		incoming[dst.Domain] = make(chan *pendingop.Operation, 256)

		nonces := noncemgr.New()
		mb, err := buildMailbox(dst, nonces)
		if err != nil {
			return nil, fmt.Errorf("destination %s: build mailbox: %w", dst.Name, err)
		}

		logger := log.New("destination", dst.Name)
		sub := submitter.New(dst.Name, mb, incoming[dst.Domain], d.metrics, logger)
		sub.StaggerSubmissions = dst.Kind == config.ChainKindCosmos
		d.submitters[dst.Domain] = sub
	}

	var queues []retryapi.Broadcaster
	for _, sub := range d.submitters {
		queues = append(queues, sub)
	}
	d.retry = retryapi.New(queues, d.metrics, log.New("component", "retryapi"))

	for _, origin := range cfg.OriginChains {
		st, err := leveldb.Open(originDBPath(cfg.DBPath, origin.Name))
		if err != nil {
			return nil, fmt.Errorf("origin %s: open store: %w", origin.Name, err)
		}
		d.stores[origin.Domain] = st

		src, err := buildIndexSource(origin)
		if err != nil {
			return nil, fmt.Errorf("origin %s: build index source: %w", origin.Name, err)
		}

		logger := log.New("origin", origin.Name)
		var ix *indexer.Indexer
		if origin.Index.Mode == config.IndexModeSequence {
			ix = indexer.NewSequence(origin.Domain, st, src.(indexer.SequenceSource), origin.Index.ChunkSize, logger)
		} else {
			ix = indexer.New(origin.Domain, st, src.(indexer.Source), origin.Index.ChunkSize, logger)
		}
		d.indexers = append(d.indexers, ix)

		proc := &processor.Processor{
			Origin:       origin.Domain,
			Store:        st,
			Fetcher:      st,
			Metrics:      d.metrics,
			Log:          logger,
			Destinations: incoming,
			NewContext: func(destination domain.DomainID) *pendingop.MessageContext {
				sub, ok := d.submitters[destination]
				if !ok {
					return nil
				}
				return &pendingop.MessageContext{
					Mailbox:  sub.Mailbox,
					Provider: sub.Mailbox.Provider(),
					Store:    st,
					Hash:     hashMessage,
					Config:   cfg,
					Log:      logger,
				}
			},
		}
		d.processors = append(d.processors, proc)
	}

	return d, nil
}

func originDBPath(base, name string) string { return base + "/" + name }

// Run starts every indexer, processor, submitter and the operator HTTP
// server, and blocks until ctx is cancelled or one of them returns a
// fatal error.
func (d *deployment) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.MetricsListenAddr != "" {
		srv := &http.Server{Addr: d.cfg.MetricsListenAddr, Handler: d.retry.Handler()}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	for _, ix := range d.indexers {
		ix := ix
		g.Go(func() error { return ix.Run(ctx, 0) })
	}
	for _, proc := range d.processors {
		proc := proc
		g.Go(func() error { return proc.Run(ctx, 0) })
	}
	for _, sub := range d.submitters {
		sub := sub
		g.Go(func() error { return sub.Run(ctx) })
	}

	err := g.Wait()
	for _, st := range d.stores {
		_ = st.Close()
	}
	return err
}

// buildMailbox constructs the destination Mailbox adapter for dst. Only
// ChainKindEVM is fully wired from TOML alone; Cosmos and UTXO chains
// need a concrete Querier/Broadcaster/AnchorSource implementation
// (mailbox/cosmos, mailbox/utxo) the way metadata.Builder needs a
// concrete ISM implementation (spec §1) — left to the embedder.
func buildMailbox(dst config.ChainConfig, nonces *noncemgr.Manager) (mailbox.Mailbox, error) {
	switch dst.Kind {
	case config.ChainKindEVM, "":
		client, err := ethclient.Dial(dst.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", dst.RPCURL, err)
		}
		key, err := crypto.HexToECDSA(dst.SignerKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		chainID, err := client.ChainID(context.Background())
		if err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		adapter, err := evm.New(client, common.HexToAddress(dst.MailboxAddress), opts)
		if err != nil {
			return nil, fmt.Errorf("build mailbox adapter: %w", err)
		}
		adapter.Nonces = nonces
		if dst.RateLimitPerSecond > 0 {
			adapter.Limiter = rate.NewLimiter(rate.Limit(dst.RateLimitPerSecond), 1)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("chain kind %q requires an embedder-supplied adapter (see mailbox/%s)", dst.Kind, dst.Kind)
	}
}

// buildIndexSource constructs the origin indexer.Source (or
// SequenceSource) for origin. Like buildMailbox, only the EVM path is
// fully wired from TOML alone.
func buildIndexSource(origin config.ChainConfig) (any, error) {
	switch origin.Kind {
	case config.ChainKindEVM, "":
		client, err := ethclient.Dial(origin.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", origin.RPCURL, err)
		}
		return evmsource.New(client, common.HexToAddress(origin.MailboxAddress), origin.Domain)
	default:
		return nil, fmt.Errorf("chain kind %q requires an embedder-supplied index source (see indexer/%ssource)", origin.Kind, origin.Kind)
	}
}
