// Package orchestrator wires every pipeline stage into one running
// instance: it loads configuration, opens the database and instance
// identity, starts historical and realtime sync per chain, decodes and
// replays their cached output through the merger, and drives the handler
// transaction for every merged event. It is the top-level equivalent of
// the teacher's cmd/indexer Download loop, generalized across chains and
// given a persistent, crash-resumable identity.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/decode"
	"github.com/ponder-sh/ponder-core/internal/historical"
	"github.com/ponder-sh/ponder-core/internal/httpapi"
	"github.com/ponder-sh/ponder-core/internal/instance"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/merger"
	"github.com/ponder-sh/ponder-core/internal/metrics"
	"github.com/ponder-sh/ponder-core/internal/migrations"
	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/realtime"
	"github.com/ponder-sh/ponder-core/internal/replay"
	"github.com/ponder-sh/ponder-core/internal/reorgjournal"
	"github.com/ponder-sh/ponder-core/internal/rpc"
	"github.com/ponder-sh/ponder-core/internal/store"
	"github.com/ponder-sh/ponder-core/internal/synccache"
)

// TableDefinition describes one table of the user's data model: its store
// schema (name, kind, primary key) and, for onchain tables, the column DDL
// the instance registry uses to create its physical copy. The outer
// scaffolder that compiles a user's schema into SQL produces these; this
// core only consumes them.
type TableDefinition struct {
	Name       string
	Kind       store.TableKind
	PrimaryKey []string
	ColumnsSQL string
}

// Source pairs a declarative subscription with the contract name its ABI
// is registered under.
type Source struct {
	Contract string
	Spec     ponderevent.SubscriptionSource
}

// HandlerFunc is user indexing logic: given one decoded event and a
// transaction-scoped store handle, it reads and writes the user's tables.
// Handler code itself lives outside this core; the orchestrator only
// invokes it once per merged event, inside its own transaction.
type HandlerFunc func(ctx context.Context, event ponderevent.Event, htx *store.HandlerTx) error

// Params assembles everything Run needs beyond the loaded Config: the data
// model, the declared subscriptions, where to find each contract's ABI, a
// fingerprint identifying the compiled handler code, and the handler
// itself.
type Params struct {
	Core                     config.Config
	Tables                   []TableDefinition
	Sources                  []Source
	ContractABIPaths         map[string]string
	HandlerSourceFingerprint string
	Handler                  HandlerFunc
}

// Runner holds one instance's live state for the duration of Run.
type Runner struct {
	params Params
	log    *logger.Logger

	pool     *pgpool.Pool
	registry *instance.Registry
	inst     *instance.Instance
	abis     *decode.Registry
	cache    *synccache.Store
	schema   *store.Schema
	journal  *reorgjournal.Writer
	st       *store.Store
	merge    *merger.Merger

	clients map[uint64]*rpc.Client

	mu          sync.Mutex
	checkpoints map[uint64]ponderevent.Checkpoint
}

// New validates params and builds a Runner. Run performs all I/O; New is
// pure setup.
func New(params Params) (*Runner, error) {
	if params.Handler == nil {
		return nil, fmt.Errorf("orchestrator: handler is required")
	}
	if len(params.Sources) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one source is required")
	}
	return &Runner{
		params:      params,
		checkpoints: make(map[uint64]ponderevent.Checkpoint),
		clients:     make(map[uint64]*rpc.Client),
	}, nil
}

// Run brings up every component, processes events until ctx is cancelled or
// a fatal error occurs, and then shuts down in reverse order: stop
// accepting new work, let in-flight work settle, mark the instance stopped,
// close the database pool.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.params.Core
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	r.params.Core = cfg

	log, err := logger.New(cfg.Logging.GetDefaultLevel(), cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("orchestrator: build logger: %w", err)
	}
	defer log.Close()
	logger.SetDefault(log)
	r.log = log.WithComponent("orchestrator")

	if err := r.setup(ctx); err != nil {
		return err
	}
	defer r.pool.Close()

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.registry.Stop(stopCtx, r.inst.InstanceID); err != nil {
			r.log.Warnf("mark instance stopped: %v", err)
		}
	}()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return r.registry.RunHeartbeatLoop(gctx, r.inst.InstanceID, r.currentCheckpoint)
	})

	group.Go(func() error { return r.merge.Run(gctx) })

	group.Go(func() error { return r.consumeEvents(gctx) })

	api := httpapi.New(cfg.Metrics, r.pool, r.registry, r.inst.InstanceID, r.log)
	group.Go(func() error {
		if err := api.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	byChain := r.sourcesByChain()
	cutoverOnce := sync.Once{}
	var historicalWG sync.WaitGroup
	historicalWG.Add(len(byChain))

	for chainID, sources := range byChain {
		chainID, sources := chainID, sources
		group.Go(func() error {
			return r.runChain(gctx, chainID, sources, &historicalWG)
		})
	}

	if cfg.Instance.Dev {
		if err := r.cutover(ctx); err != nil {
			return err
		}
	} else {
		group.Go(func() error {
			historicalWG.Wait()
			var cutoverErr error
			cutoverOnce.Do(func() { cutoverErr = r.cutover(gctx) })
			return cutoverErr
		})
	}

	err = group.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// cutover flips the public views to this instance's tables and garbage
// collects any superseded instances. Idempotent to call more than once in
// dev mode is unnecessary since Run only calls it from one path.
func (r *Runner) cutover(ctx context.Context) error {
	defs := instanceTableDefs(r.params.Tables)
	if err := r.registry.CutoverToLive(ctx, r.inst.InstanceID, defs); err != nil {
		return err
	}
	if err := r.registry.StaleGC(ctx, r.inst.InstanceID); err != nil {
		r.log.Warnf("stale instance gc: %v", err)
	}
	return nil
}

// setup opens every long-lived resource: the database pool, migrations,
// the ABI registry, the instance identity, the sync cache, the store, the
// reorg journal, the merger, and one RPC client per network.
func (r *Runner) setup(ctx context.Context) error {
	cfg := r.params.Core

	pool, err := pgpool.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("orchestrator: open database: %w", err)
	}
	r.pool = pool

	if err := migrations.Run(ctx, cfg.Database.ConnectionString, cfg.Database.Schema); err != nil {
		return fmt.Errorf("orchestrator: run migrations: %w", err)
	}

	abis, err := decode.LoadRegistry(r.params.ContractABIPaths)
	if err != nil {
		return fmt.Errorf("orchestrator: load abis: %w", err)
	}
	r.abis = abis

	r.schema = store.NewSchema(storeSchemaOf(r.params.Tables)...)

	configFingerprint, err := fingerprintConfig(cfg)
	if err != nil {
		return fmt.Errorf("orchestrator: fingerprint config: %w", err)
	}
	schemaFingerprint := fingerprintSchema(r.params.Tables)
	buildID := instance.ComputeBuildID(configFingerprint, schemaFingerprint, r.params.HandlerSourceFingerprint)

	r.registry = instance.New(pool, cfg.Database.Schema, cfg.Instance, r.log)
	inst, err := r.registry.Open(ctx, buildID, instanceTableDefs(r.params.Tables))
	if err != nil {
		return fmt.Errorf("orchestrator: open instance: %w", err)
	}
	r.inst = inst
	r.log.Infof("instance %s opened (build %s, adopted=%v)", inst.InstanceID, buildID, inst.Adopted)

	r.cache = synccache.NewStore(pool)
	r.journal = reorgjournal.NewWriterForInstance(r.schema, inst.InstanceID)
	if err := reorgjournal.EnsureShadowTables(ctx, pool, r.schema, inst.InstanceID); err != nil {
		return fmt.Errorf("orchestrator: ensure shadow tables: %w", err)
	}
	r.st = store.NewForInstance(pool, r.schema, r.journal, inst.InstanceID)

	r.merge = merger.New(cfg.Merger, r.log)

	for name, netCfg := range cfg.Networks {
		client, err := rpc.Dial(ctx, netCfg.ChainID, netCfg.Transport)
		if err != nil {
			return fmt.Errorf("orchestrator: dial network %s: %w", name, err)
		}
		r.clients[netCfg.ChainID] = client

		initial := inst.Checkpoint
		if initial.ChainID != netCfg.ChainID {
			initial = ponderevent.Checkpoint{ChainID: netCfg.ChainID}
		}
		r.merge.RegisterChain(netCfg.ChainID, initial)
	}

	return nil
}

// consumeEvents reads the merger's globally-ordered stream and runs the
// user handler for each event inside its own transaction, tracking the
// furthest checkpoint seen for the heartbeat loop.
func (r *Runner) consumeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-r.merge.Events():
			if !ok {
				return nil
			}
			start := time.Now()
			err := r.st.RunHandler(ctx, event.Checkpoint, func(ctx context.Context, htx *store.HandlerTx) error {
				return r.params.Handler(ctx, event, htx)
			})
			metrics.BlockProcessingTimeLog(chainLabel(event.Checkpoint.ChainID), time.Since(start))
			if err != nil {
				return fmt.Errorf("orchestrator: handler at %s: %w", event.Checkpoint, err)
			}
			metrics.EventsIndexedInc(chainLabel(event.Checkpoint.ChainID), event.Source.Contract, 1)
			r.setCheckpoint(event.Checkpoint)
		}
	}
}

func (r *Runner) setCheckpoint(cp ponderevent.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.checkpoints[cp.ChainID]; !ok || existing.Before(cp) {
		r.checkpoints[cp.ChainID] = cp
	}
}

// currentCheckpoint reports the furthest-advanced checkpoint across every
// chain, satisfying RunHeartbeatLoop's getCheckpoint contract.
func (r *Runner) currentCheckpoint() ponderevent.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best ponderevent.Checkpoint
	first := true
	for _, cp := range r.checkpoints {
		if first || cp.After(best) {
			best = cp
			first = false
		}
	}
	return best
}

func (r *Runner) sourcesByChain() map[uint64][]Source {
	byChain := make(map[uint64][]Source)
	for _, s := range r.params.Sources {
		byChain[s.Spec.ChainID] = append(byChain[s.Spec.ChainID], s)
	}
	return byChain
}

// runChain drives one chain's full lifecycle: historical backfill until
// every source catches up to the finalized tip, then realtime polling,
// replaying each stage's cached output through decode into the merger.
func (r *Runner) runChain(ctx context.Context, chainID uint64, sources []Source, historicalWG *sync.WaitGroup) error {
	client := r.clients[chainID]
	netCfg := r.networkConfig(chainID)
	replayer := replay.New(r.cache, r.abis)
	progress := make(map[string]uint64, len(sources))

	syncer := historical.NewSyncer(chainID, client, r.cache, netCfg, r.params.Core.Retry, r.log)

	if err := r.pushSetupEvents(ctx, chainID, sources); err != nil {
		return err
	}

	// historicalWG.Done must fire exactly once, whether backfill actually
	// finishes or this chain aborts early: otherwise a fatal error on one
	// chain would leave the cutover waiter blocked on the others forever.
	var backfillDone sync.Once
	defer backfillDone.Do(historicalWG.Done)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		allDone := true
		for _, src := range sources {
			result, err := syncer.SyncSource(ctx, src.Spec)
			if err != nil {
				return fmt.Errorf("orchestrator: historical sync chain %d: %w", chainID, err)
			}
			if err := r.replayAndPush(ctx, client, replayer, src, progress, result.Checkpoint); err != nil {
				return err
			}
			if !result.Done {
				allDone = false
			}
		}
		if allDone {
			break
		}
	}
	backfillDone.Do(historicalWG.Done)

	onEvent := func(ev realtime.Event) {
		switch ev.Kind {
		case realtime.Reorg:
			r.handleReorg(ctx, chainID, ev)
		case realtime.Flushed:
			for _, src := range sources {
				if err := r.replayAndPush(ctx, client, replayer, src, progress, ev.FlushedTo); err != nil {
					r.log.Errorf("replay flushed range [%d,%d] on chain %d: %v", ev.FlushedFrom, ev.FlushedTo, chainID, err)
				}
			}
			r.pruneJournal(ctx, chainID, ev.FlushedTo)
		}
	}

	poller := realtime.NewPoller(chainID, client, r.cache, sourceSpecs(sources), netCfg, r.params.Core.Retry, r.log, onEvent)
	return poller.Run(ctx)
}

// pushSetupEvents synthesizes one KindSetup event per source, checkpointed
// at the source's startBlock with a zero BlockTimestamp so it sorts before
// any real event on this chain, regardless of the chain's actual genesis
// time. This runs once before backfill begins for the chain.
func (r *Runner) pushSetupEvents(ctx context.Context, chainID uint64, sources []Source) error {
	for _, src := range sources {
		ev := ponderevent.Event{
			Kind: ponderevent.KindSetup,
			Checkpoint: ponderevent.Checkpoint{
				ChainID:     chainID,
				BlockNumber: src.Spec.StartBlock,
			},
			Source: ponderevent.Source{Contract: src.Contract},
		}
		if err := r.merge.Push(ctx, chainID, ev); err != nil {
			return fmt.Errorf("orchestrator: push setup event for %s: %w", src.Contract, err)
		}
	}
	return nil
}

// handleReorg rolls back every onchain write made at or after the reorged
// range; journal pruning happens separately, in pruneJournal.
// Deep reorgs are surfaced as a fatal error by Poller.Run itself; this
// handles the recoverable case Poller already truncated its window for.
func (r *Runner) handleReorg(ctx context.Context, chainID uint64, ev realtime.Event) {
	if ev.CommonAncestor == nil {
		return
	}
	below := ponderevent.Checkpoint{ChainID: chainID, BlockTimestamp: ev.CommonAncestor.Time + 1}
	if err := reorgjournal.Rollback(ctx, r.pool, r.schema, r.inst.InstanceID, chainID, below); err != nil {
		r.log.Errorf("reorg rollback chain %d: %v", chainID, err)
	}
}

// pruneJournal discards shadow-table rows below flushedBlock: a block this
// far behind the canonical tip has aged past the finality depth and can
// never be rolled back, so its journal entries serve no further purpose.
func (r *Runner) pruneJournal(ctx context.Context, chainID, flushedBlock uint64) {
	header, err := r.cache.GetBlockByNumber(ctx, chainID, flushedBlock)
	if err != nil || header == nil {
		return
	}
	finalized := ponderevent.Checkpoint{ChainID: chainID, BlockTimestamp: header.Time, BlockNumber: flushedBlock}
	if err := reorgjournal.PruneBelow(ctx, r.pool, r.schema, r.inst.InstanceID, chainID, finalized); err != nil {
		r.log.Warnf("prune reorg journal chain %d below %s: %v", chainID, finalized, err)
	}
}

// replayAndPush decodes and pushes every event for src's concrete
// addresses between the last block already replayed and upToBlock, then
// advances the chain's watermark to upToBlock's timestamp so idle sources
// don't stall the merge.
func (r *Runner) replayAndPush(ctx context.Context, client *rpc.Client, replayer *replay.Replayer, src Source, progress map[string]uint64, upToBlock uint64) error {
	fp := src.Spec.Fingerprint()
	from := src.Spec.StartBlock
	if last, ok := progress[fp]; ok && last+1 > from {
		from = last + 1
	}
	if upToBlock < from {
		return nil
	}

	addresses, err := r.resolveAddresses(ctx, client, src.Spec, upToBlock)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve addresses for %s: %w", src.Contract, err)
	}

	if len(addresses) > 0 {
		events, err := replayer.Range(ctx, src.Contract, src.Spec, addresses, from, upToBlock)
		if err != nil {
			return fmt.Errorf("orchestrator: replay %s [%d,%d]: %w", src.Contract, from, upToBlock, err)
		}
		for _, ev := range events {
			if err := r.merge.Push(ctx, src.Spec.ChainID, ev); err != nil {
				return fmt.Errorf("orchestrator: push event: %w", err)
			}
		}
	}

	progress[fp] = upToBlock

	watermark, err := r.watermarkAt(ctx, src.Spec.ChainID, upToBlock)
	if err != nil {
		return err
	}
	return r.merge.AdvanceWatermark(src.Spec.ChainID, watermark)
}

// watermarkAt resolves the checkpoint below which nothing further will
// arrive for this chain once it has processed through blockNumber,
// looking up the block's timestamp from the cache so cross-chain ordering
// stays correct even when no log matched.
func (r *Runner) watermarkAt(ctx context.Context, chainID, blockNumber uint64) (ponderevent.Checkpoint, error) {
	header, err := r.cache.GetBlockByNumber(ctx, chainID, blockNumber)
	if err != nil {
		return ponderevent.Checkpoint{}, fmt.Errorf("orchestrator: watermark block lookup: %w", err)
	}
	if header == nil {
		return ponderevent.Checkpoint{ChainID: chainID, BlockNumber: blockNumber}, nil
	}
	return ponderevent.Checkpoint{
		ChainID:        chainID,
		BlockTimestamp: header.Time,
		BlockNumber:    blockNumber,
	}, nil
}

func (r *Runner) resolveAddresses(ctx context.Context, client *rpc.Client, src ponderevent.SubscriptionSource, upToBlock uint64) ([]common.Address, error) {
	if src.Address != nil {
		return []common.Address{*src.Address}, nil
	}
	if src.Factory == nil {
		return nil, fmt.Errorf("source has neither address nor factory")
	}
	return historical.ResolveFactoryAddresses(ctx, client, *src.Factory, src.StartBlock, upToBlock)
}

func (r *Runner) networkConfig(chainID uint64) config.NetworkConfig {
	for _, n := range r.params.Core.Networks {
		if n.ChainID == chainID {
			return n
		}
	}
	return config.NetworkConfig{}
}

func sourceSpecs(sources []Source) []ponderevent.SubscriptionSource {
	specs := make([]ponderevent.SubscriptionSource, len(sources))
	for i, s := range sources {
		specs[i] = s.Spec
	}
	return specs
}

func instanceTableDefs(tables []TableDefinition) []instance.TableDef {
	defs := make([]instance.TableDef, len(tables))
	for i, t := range tables {
		defs[i] = instance.TableDef{Name: t.Name, Kind: t.Kind, ColumnsSQL: t.ColumnsSQL}
	}
	return defs
}

func storeSchemaOf(tables []TableDefinition) []store.TableSchema {
	schemas := make([]store.TableSchema, len(tables))
	for i, t := range tables {
		schemas[i] = store.TableSchema{Name: t.Name, Kind: t.Kind, PrimaryKey: t.PrimaryKey}
	}
	return schemas
}

// fingerprintConfig hashes the loaded configuration deterministically so
// two processes started from an identical config (but different flag
// ordering, whitespace, etc. at the file level) agree on a build id.
func fingerprintConfig(cfg config.Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// fingerprintSchema hashes the declared table shapes, independent of
// declaration order, so reordering tables in the user's schema file never
// forces a fresh instance.
func fingerprintSchema(tables []TableDefinition) string {
	sorted := append([]TableDefinition(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, t := range sorted {
		fmt.Fprintf(h, "%s|%d|%v|%s;", t.Name, t.Kind, t.PrimaryKey, t.ColumnsSQL)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}
