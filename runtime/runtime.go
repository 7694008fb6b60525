// Package runtime boots and supervises the agent: it loads the operator
// key, restores or births the vault, dials the chains, and wires every
// component together before handing control to Run.
package runtime

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/chain"
	"sovereignd/internal/passphrase"
	"sovereignd/config"
	"sovereignd/constitution"
	"sovereignd/costguard"
	"sovereignd/crypto"
	"sovereignd/evolve"
	"sovereignd/governance"
	"sovereignd/heartbeat"
	"sovereignd/merchant"
	"sovereignd/observability"
	"sovereignd/peer"
	"sovereignd/server"
	"sovereignd/stream"
	"sovereignd/vault"
)

// ErrAgentDead is returned from Run when the vault dies. The process exits
// non-zero on it: death is a constitutional event, not a clean stop.
var ErrAgentDead = errors.New("runtime: agent died")

const (
	snapshotInterval = 5 * time.Minute
	evaluateInterval = 10 * time.Minute
	expiryInterval   = time.Minute
	llmClientTimeout = 90 * time.Second
	adapterTimeout   = 30 * time.Second
)

// Runtime owns every long-lived component for one agent process.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	vault      *vault.Vault
	exec       *chain.Executor
	reconciler *chain.Reconciler
	guard      *costguard.Guard
	peerStore  *peer.Store
	verifier   *peer.Verifier
	registry   *merchant.Registry
	orderStore *merchant.OrderStore
	engine     *merchant.Engine
	queue      *governance.Queue
	evaluator  *governance.Evaluator
	catalog    *evolve.Catalog
	loop       *evolve.Loop
	feeds      *stream.Set
	scheduler  *heartbeat.Scheduler
	orders     *server.OrderBook
	httpSrv    *http.Server

	adapters      map[string]merchant.Adapter
	adapterClient *http.Client

	vaultPath string
	exportDir string

	dying    chan struct{}
	dyingOnce sync.Once
}

// New boots every component from the configuration. Nothing runs yet; call
// Run to start the loops.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: data dir: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		vaultPath: filepath.Join(cfg.DataDir, "vault.json"),
		exportDir: filepath.Join(cfg.DataDir, "exports"),
		dying:     make(chan struct{}),
	}

	key, err := loadOperatorKey(cfg)
	if err != nil {
		return nil, err
	}

	if err := rt.wireChains(key); err != nil {
		return nil, err
	}

	feeds, err := stream.OpenSet(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	rt.feeds = feeds

	if err := rt.openVault(); err != nil {
		rt.Close()
		return nil, err
	}
	rt.reconciler = chain.NewReconciler(rt.exec, rt.vault, logger)

	providers, err := costguard.LoadProviders(cfg.ProviderPolicyPath)
	if err != nil {
		rt.Close()
		return nil, err
	}
	caller := costguard.NewHTTPCaller(&http.Client{Timeout: llmClientTimeout})
	rt.guard, err = costguard.New(providers, caller, rt.vault, costguard.WithLogger(logger))
	if err != nil {
		rt.Close()
		return nil, err
	}

	if err := rt.wirePeers(); err != nil {
		rt.Close()
		return nil, err
	}
	adapters, err := rt.wireMerchants()
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.queue, err = governance.OpenQueue(filepath.Join(cfg.DataDir, "suggestions.json"), rt.vault)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.evaluator = governance.NewEvaluator(rt.queue, rt.guard, rt.vault, feeds.Decisions, logger)

	if err := rt.openCatalog(); err != nil {
		rt.Close()
		return nil, err
	}

	rt.scheduler, err = heartbeat.New(rt.vault, rt.reconciler, rt.exec, rt.guard, rt.verifier, rt.loop, feeds.Decisions,
		heartbeat.WithLogger(logger), heartbeat.WithAdapters(adapters),
		heartbeat.WithAdapterSource(rt.allAdapters))
	if err != nil {
		rt.Close()
		return nil, err
	}

	if err := rt.wireServer(); err != nil {
		rt.Close()
		return nil, err
	}

	observability.Vault().SetBalance(rt.vault.Balance())
	logger.Info("runtime assembled",
		"agent", rt.vault.Name(),
		"vault", rt.vault.Address(),
		"operator", key.Address().Hex(),
		"chains", rt.exec.Chains(),
		"listen", cfg.ListenAddress)
	return rt, nil
}

// loadOperatorKey resolves the signing key: a raw hex key from the named
// environment variable wins; otherwise the keystore is unlocked with the
// configured passphrase source.
func loadOperatorKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	if cfg.OperatorKeyEnv != "" {
		raw := os.Getenv(cfg.OperatorKeyEnv)
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("runtime: %s is set as the key source but empty", cfg.OperatorKeyEnv)
		}
		return crypto.PrivateKeyFromHex(raw)
	}
	// A freshly generated keystore is unprotected until the operator rewraps
	// it; try the empty passphrase before prompting.
	if key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, ""); err == nil {
		return key, nil
	}
	pass, err := passphrase.NewSource(cfg.PassphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(cfg.OperatorKeystorePath, pass)
}

func (rt *Runtime) wireChains(key *crypto.PrivateKey) error {
	if len(rt.cfg.Chains) == 0 {
		return errors.New("runtime: at least one chain endpoint required")
	}
	profiles := chain.DefaultProfiles()
	handles := make([]*chain.Handle, 0, len(rt.cfg.Chains))
	for _, cc := range rt.cfg.Chains {
		profile, err := chain.ProfileByName(profiles, cc.Name)
		if err != nil {
			return err
		}
		profile.RPCURL = cc.RPCURL
		profile.Token = common.HexToAddress(cc.Token)
		profile.VaultContract = common.HexToAddress(cc.VaultContract)
		client, err := chain.Dial(profile)
		if err != nil {
			return fmt.Errorf("runtime: dial %s: %w", profile.Name, err)
		}
		handles = append(handles, &chain.Handle{Profile: profile, Backend: client, Key: key.PrivateKey})
	}
	exec, err := chain.NewExecutor(handles...)
	if err != nil {
		return err
	}
	rt.exec = exec
	return nil
}

// openVault restores the persisted ledger, or births a fresh one on first
// boot with the configured creator principal.
func (rt *Runtime) openVault() error {
	opts := []vault.Option{vault.WithCallbacks(rt.vaultCallbacks())}
	v, err := vault.Restore(rt.vaultPath, opts...)
	switch {
	case err == nil:
		rt.vault = v
		rt.logger.Info("vault restored", "balance", v.Balance().String(), "alive", v.Alive())
		return nil
	case errors.Is(err, fs.ErrNotExist):
		principal := big.NewInt(rt.cfg.PrincipalMicro)
		v, err = vault.New(rt.cfg.AIName, rt.cfg.VaultAddress, rt.cfg.CreatorWallet, principal, opts...)
		if err != nil {
			return err
		}
		rt.vault = v
		rt.logger.Info("vault born", "principal", principal.String())
		return v.Save(rt.vaultPath)
	default:
		return err
	}
}

func (rt *Runtime) wirePeers() error {
	store, err := peer.OpenStore(filepath.Join(rt.cfg.DataDir, "peers.db"))
	if err != nil {
		return err
	}
	rt.peerStore = store

	readers := make(map[uint64]peer.Reader)
	factories := make(map[uint64]common.Address)
	profiles := chain.DefaultProfiles()
	for _, cc := range rt.cfg.Chains {
		profile, err := chain.ProfileByName(profiles, cc.Name)
		if err != nil {
			return err
		}
		reader, err := rt.exec.Reader(cc.Name)
		if err != nil {
			return err
		}
		readers[profile.ChainID] = reader
		if strings.TrimSpace(cc.Factory) != "" {
			factories[profile.ChainID] = common.HexToAddress(cc.Factory)
		}
	}
	rt.verifier, err = peer.New(readers, factories, store, peer.WithLogger(rt.logger))
	return err
}

// wireMerchants builds the purchasing engine and the discovery adapters for
// every constitutional trusted-domain merchant. A gift-card merchant whose
// API key is absent from the environment is skipped, not fatal.
func (rt *Runtime) wireMerchants() (map[string]merchant.Adapter, error) {
	rt.registry = merchant.NewRegistry(merchant.WithLogger(rt.logger))
	store, err := merchant.OpenOrderStore(filepath.Join(rt.cfg.DataDir, "orders.db"))
	if err != nil {
		return nil, err
	}
	rt.orderStore = store

	approver := &purchaseApprover{guard: rt.guard}
	rt.engine, err = merchant.NewEngine(rt.registry, store, rt.vault, rt.exec, approver,
		merchant.WithAnchorCheck(), merchant.WithEngineLogger(rt.logger))
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: adapterTimeout}
	rt.adapterClient = client
	adapters := make(map[string]merchant.Adapter)
	for _, tm := range constitution.TrustedDomains() {
		endpoint := "https://" + tm.Domain
		switch tm.Adapter {
		case merchant.AdapterGiftcard:
			apiKey := os.Getenv(giftcardKeyEnv(tm.ID))
			adapter, err := merchant.NewGiftcardAdapter(tm.ID, endpoint, apiKey, rt.registry, client)
			if err != nil {
				rt.logger.Warn("giftcard merchant disabled", "merchant", tm.ID, "error", err)
				continue
			}
			adapters[tm.ID] = adapter
		case merchant.AdapterX402:
			adapters[tm.ID] = merchant.NewX402Adapter(tm.ID, endpoint, rt.registry, client)
		}
	}
	rt.adapters = adapters
	return adapters, nil
}

// allAdapters merges the constitutional merchant adapters with one peer
// adapter per verified peer that advertises a storefront URL.
func (rt *Runtime) allAdapters() map[string]merchant.Adapter {
	if rt.verifier == nil {
		return rt.adapters
	}
	return mergeAdapters(rt.adapters,
		peerAdapterSet(rt.verifier.TrustedPeers(constitution.TierVerified), rt.verifier, rt.adapterClient))
}

func mergeAdapters(base, extra map[string]merchant.Adapter) map[string]merchant.Adapter {
	out := make(map[string]merchant.Adapter, len(base)+len(extra))
	for id, a := range base {
		out[id] = a
	}
	for id, a := range extra {
		if _, ok := out[id]; !ok {
			out[id] = a
		}
	}
	return out
}

// peerAdapterSet builds purchase adapters for verified peers. Adapters are
// keyed by vault address, matching the merchant ID a peer purchase
// records; peers without a registered storefront URL cannot be bought
// from.
func peerAdapterSet(peers []peer.Info, trust merchant.PeerTrust, client *http.Client) map[string]merchant.Adapter {
	out := make(map[string]merchant.Adapter, len(peers))
	for _, info := range peers {
		if info.URL == "" {
			continue
		}
		out[info.Vault] = merchant.NewPeerAdapter(info.URL, info.Vault, info.ChainID, trust, client)
	}
	return out
}

// giftcardKeyEnv derives the API-key variable from the merchant ID:
// giftcards-bitrefill reads GIFTCARD_BITREFILL_API_KEY.
func giftcardKeyEnv(merchantID string) string {
	name := strings.ToUpper(strings.ReplaceAll(merchantID, "-", "_"))
	return strings.Replace(name, "GIFTCARDS", "GIFTCARD", 1) + "_API_KEY"
}

func (rt *Runtime) openCatalog() error {
	catalog, err := evolve.OpenCatalog(filepath.Join(rt.cfg.DataDir, "catalog.json"))
	if err != nil {
		return err
	}
	if len(catalog.List()) == 0 {
		if err := seedCatalog(catalog); err != nil {
			return err
		}
	}
	rt.catalog = catalog
	rt.loop, err = evolve.NewLoop(catalog, filepath.Join(rt.cfg.DataDir, "evolution.jsonl"), rt.logger)
	return err
}

// seedCatalog installs the starter offerings a newborn agent sells. The
// price loop reshapes them from here.
func seedCatalog(catalog *evolve.Catalog) error {
	seeds := []evolve.Service{
		{ID: "haiku", Name: "Haiku commission", Description: "A haiku on your topic", Price: big.NewInt(1 * constitution.MicroUnit), Active: true},
		{ID: "roast", Name: "Roast", Description: "A short roast of anything you name", Price: big.NewInt(2 * constitution.MicroUnit), Active: true},
		{ID: "summary", Name: "Text summary", Description: "A tight summary of up to 2000 words", Price: big.NewInt(3 * constitution.MicroUnit), Active: true},
	}
	for _, svc := range seeds {
		if err := catalog.Add(svc); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) wireServer() error {
	orders, err := server.OpenOrderBook(filepath.Join(rt.cfg.DataDir, "sales.json"))
	if err != nil {
		return err
	}
	rt.orders = orders

	var secret []byte
	if rt.cfg.CreatorJWTSecretEnv != "" {
		secret = []byte(os.Getenv(rt.cfg.CreatorJWTSecretEnv))
	}
	srv, err := server.New(server.Config{
		Treasury:         rt.vault,
		Router:           rt.guard,
		Catalog:          rt.catalog,
		Orders:           orders,
		Payments:         rt.exec,
		Suggestions:      rt.queue,
		Peers:            rt.verifier,
		Feeds:            rt.feeds,
		CreatorWallet:    rt.cfg.CreatorWallet,
		CreatorJWTSecret: secret,
		Logger:           rt.logger,
	})
	if err != nil {
		return err
	}
	rt.httpSrv = &http.Server{
		Addr:              rt.cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Engine exposes the purchasing engine for operator tooling.
func (rt *Runtime) Engine() *merchant.Engine { return rt.engine }

// Vault exposes the ledger for operator tooling.
func (rt *Runtime) Vault() *vault.Vault { return rt.vault }

// Close releases every store and journal. Safe on a partially built runtime.
func (rt *Runtime) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.loop != nil {
		note(rt.loop.Close())
	}
	if rt.feeds != nil {
		note(rt.feeds.Close())
	}
	if rt.orderStore != nil {
		note(rt.orderStore.Close())
	}
	if rt.peerStore != nil {
		note(rt.peerStore.Close())
	}
	return firstErr
}
