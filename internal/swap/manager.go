package swap

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
)

var errManagerClosed = errors.New("swap manager closed")

// Store persists swaps, their event logs and reentrancy locks.
type Store interface {
	StoreRepr(rec *storage.SwapRecord) error
	StoreEvent(uuid string, ev *storage.EventRecord) (int64, error)
	GetRepr(uuid string) (*storage.SwapRecord, error)
	HasRecordFor(uuid string) (bool, error)
	GetUnfinished() ([]string, error)
	MarkFinished(uuid string) error

	AcquireSwapLock(uuid, owner string, ttl time.Duration, now time.Time) error
	RenewSwapLock(uuid, owner string, ttl time.Duration, now time.Time) error
	ReleaseSwapLock(uuid, owner string) error
}

// CoinSource returns activated coins by ticker.
type CoinSource interface {
	Get(ticker string) (Coin, bool)
}

// SwapEvent is delivered to event handlers on every state change.
type SwapEvent struct {
	UUID      uuid.UUID
	Role      Role
	Event     Event
	Timestamp time.Time
}

// EventHandler handles swap events.
type EventHandler func(SwapEvent)

// Config configures a Manager.
type Config struct {
	Store     Store
	Coins     CoinSource
	Transport Transport
	Wallet    *wallet.Wallet

	Swap   config.SwapConfig
	DexFee config.DexFeeConfig

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// swapParams are the options persisted with a swap record.
type swapParams struct {
	PerSwapP2PKey bool `json:"per_swap_p2p_key"`
}

// Manager starts, resumes and recovers swaps.
type Manager struct {
	store     Store
	coins     CoinSource
	transport Transport
	wallet    *wallet.Wallet
	cfg       config.SwapConfig
	dexCfg    config.DexFeeConfig
	fees      feePolicy
	clock     clock.Clock
	log       *logging.Logger
	registry  *SwapsContext

	// owner identifies this process in swap locks.
	owner string

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers []EventHandler
}

// NewManager creates a swap manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Coins == nil || cfg.Transport == nil || cfg.Wallet == nil {
		return nil, errors.New("store, coins, transport and wallet are required")
	}
	if err := cfg.Swap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid swap config: %w", err)
	}

	var fees feePolicy
	var err error
	if cfg.DexFee.FeePubkey != "" {
		if fees.feePubkey, err = hex.DecodeString(cfg.DexFee.FeePubkey); err != nil {
			return nil, fmt.Errorf("invalid dex fee pubkey: %w", err)
		}
	}
	if cfg.DexFee.BurnPubkey != "" {
		if fees.burnPubkey, err = hex.DecodeString(cfg.DexFee.BurnPubkey); err != nil {
			return nil, fmt.Errorf("invalid burn pubkey: %w", err)
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		store:     cfg.Store,
		coins:     cfg.Coins,
		transport: cfg.Transport,
		wallet:    cfg.Wallet,
		cfg:       cfg.Swap,
		dexCfg:    cfg.DexFee,
		fees:      fees,
		clock:     clk,
		log:       logging.GetDefault().Component("swap"),
		registry:  NewSwapsContext(),
		owner:     uuid.New().String(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// OnEvent registers an event handler.
func (m *Manager) OnEvent(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) emit(id uuid.UUID, role Role, ev Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	se := SwapEvent{UUID: id, Role: role, Event: ev, Timestamp: m.clock.Now()}
	for _, h := range handlers {
		go h(se)
	}
}

// ActiveSwaps returns the swaps running in this process.
func (m *Manager) ActiveSwaps() []uuid.UUID {
	return m.registry.Running()
}

// LockedAmount returns the amount of ticker reserved by running swaps.
func (m *Manager) LockedAmount(ticker string) decimal.Decimal {
	return m.registry.LockedAmount(ticker)
}

// Wait blocks until every running swap has stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops all swaps and waits for them. Stopped swaps resume on the
// next Kickstart.
func (m *Manager) Close() error {
	m.cancel(errManagerClosed)
	m.registry.cancelAll(errManagerClosed)
	m.wg.Wait()
	return nil
}

// P2PPubkey returns the key that signs messages of swap id.
func P2PPubkey(w *wallet.Wallet, id uuid.UUID, perSwap bool) ([]byte, error) {
	key, err := messageKey(w, id, perSwap)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}

func messageKey(w *wallet.Wallet, id uuid.UUID, perSwap bool) (*btcec.PrivateKey, error) {
	if !perSwap {
		return w.MessageKey()
	}
	seed, err := w.SwapSecret(id, "p2p")
	if err != nil {
		return nil, err
	}
	key, _ := btcec.PrivKeyFromBytes(seed)
	return key, nil
}

// =============================================================================
// Starting swaps
// =============================================================================

// StartMakerSwap validates p, persists the swap and runs it in the
// background.
func (m *Manager) StartMakerSwap(ctx context.Context, p MakerSwapParams) (uuid.UUID, error) {
	makerCoin, takerCoin, err := m.swapCoins(p.MakerCoin, p.TakerCoin)
	if err != nil {
		return uuid.Nil, err
	}
	if err := validateVolumes(makerCoin, takerCoin, p.MakerVolume, p.TakerVolume, p.TakerPremium); err != nil {
		return uuid.Nil, err
	}
	otherPub, err := parsePeerPubkey(p.TakerPubkey)
	if err != nil {
		return uuid.Nil, err
	}
	algo, err := chain.SecretHashAlgoFor(makerCoin.Params(), takerCoin.Params())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	id := p.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	secret, err := m.wallet.SwapSecret(id, string(RoleMaker))
	if err != nil {
		return uuid.Nil, err
	}
	// Estimate only; the taker declares the exact fee during negotiation.
	fee := ComputeDexFee(m.dexCfg, makerCoin.Ticker(), takerCoin.Params(), p.TakerVolume, nil)

	required := p.MakerVolume.Add(txFee(makerCoin.Params()))
	if err := m.reserve(ctx, id, makerCoin, required); err != nil {
		return uuid.Nil, err
	}
	rec := m.newRecord(id, MakerSwapType, makerCoin, takerCoin, p.MakerVolume, p.TakerVolume, p.TakerPremium,
		fee, p.LockDuration, p.Confirmations, secret, algo, otherPub, p.PerSwapP2PKey)
	if err := m.start(rec); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// StartTakerSwap validates p, persists the swap and runs it in the
// background.
func (m *Manager) StartTakerSwap(ctx context.Context, p TakerSwapParams) (uuid.UUID, error) {
	makerCoin, takerCoin, err := m.swapCoins(p.MakerCoin, p.TakerCoin)
	if err != nil {
		return uuid.Nil, err
	}
	if err := validateVolumes(makerCoin, takerCoin, p.MakerVolume, p.TakerVolume, p.TakerPremium); err != nil {
		return uuid.Nil, err
	}
	otherPub, err := parsePeerPubkey(p.MakerPubkey)
	if err != nil {
		return uuid.Nil, err
	}
	algo, err := chain.SecretHashAlgoFor(makerCoin.Params(), takerCoin.Params())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	id := p.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	ownPub, err := P2PPubkey(m.wallet, id, p.PerSwapP2PKey)
	if err != nil {
		return uuid.Nil, err
	}
	fee := ComputeDexFee(m.dexCfg, makerCoin.Ticker(), takerCoin.Params(), p.TakerVolume, ownPub)
	takerParams := takerCoin.Params()
	secret, err := m.wallet.SwapSecret(id, string(RoleTaker))
	if err != nil {
		return uuid.Nil, err
	}

	required := fundingAmount(takerParams, p.TakerVolume, p.TakerPremium, fee).Add(txFee(takerParams))
	if err := m.reserve(ctx, id, takerCoin, required); err != nil {
		return uuid.Nil, err
	}
	rec := m.newRecord(id, TakerSwapType, makerCoin, takerCoin, p.MakerVolume, p.TakerVolume, p.TakerPremium,
		fee, p.LockDuration, p.Confirmations, secret, algo, otherPub, p.PerSwapP2PKey)
	if err := m.start(rec); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func validateVolumes(makerCoin, takerCoin Coin, makerVolume, takerVolume, premium decimal.Decimal) error {
	if makerVolume.LessThan(makerCoin.Params().MinTxAmount) || !makerVolume.IsPositive() {
		return fmt.Errorf("%w: maker volume %s below minimum", ErrInvalidParams, makerVolume)
	}
	if takerVolume.LessThan(takerCoin.Params().MinTxAmount) || !takerVolume.IsPositive() {
		return fmt.Errorf("%w: taker volume %s below minimum", ErrInvalidParams, takerVolume)
	}
	if premium.IsNegative() {
		return fmt.Errorf("%w: negative premium", ErrInvalidParams)
	}
	return nil
}

// reserve locks required of coin for swap id. It fails unless the coin's
// balance minus what running swaps hold covers required. The swap's
// machine releases the reservation once the funds are on chain.
func (m *Manager) reserve(ctx context.Context, id uuid.UUID, coin Coin, required decimal.Decimal) error {
	balance, err := coin.MyBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to get %s balance: %w", coin.Ticker(), err)
	}
	return m.registry.reserve(id, LockedAmount{Coin: coin.Ticker(), Amount: required}, balance)
}

func (m *Manager) newRecord(id uuid.UUID, swapType string, makerCoin, takerCoin Coin,
	makerVolume, takerVolume, premium decimal.Decimal, fee DexFee, lockDuration uint64,
	confs *Confirmations, secret []byte, algo chain.SecretHashAlgo, otherPub []byte, perSwap bool) *storage.SwapRecord {
	if lockDuration == 0 {
		lockDuration = m.cfg.DefaultLockDuration
	}
	var c Confirmations
	if confs != nil {
		c = *confs
	} else {
		mainnet := m.wallet.Network() == chain.Mainnet
		mc := config.GetConfirmationSettings(makerCoin.Ticker(), mainnet)
		tc := config.GetConfirmationSettings(takerCoin.Ticker(), mainnet)
		c = Confirmations{
			MakerCoinConfs: mc.Confirmations,
			MakerCoinNota:  mc.RequiresNotarization,
			TakerCoinConfs: tc.Confirmations,
			TakerCoinNota:  tc.RequiresNotarization,
		}
	}
	params, _ := json.Marshal(swapParams{PerSwapP2PKey: perSwap})

	return &storage.SwapRecord{
		UUID:           id.String(),
		SwapType:       swapType,
		Version:        SwapVersion,
		MakerCoin:      makerCoin.Ticker(),
		TakerCoin:      takerCoin.Ticker(),
		MakerVolume:    makerVolume,
		TakerVolume:    takerVolume,
		TakerPremium:   premium,
		DexFee:         fee.Fee,
		DexFeeBurn:     fee.Burn,
		StartedAt:      m.clock.Now().Unix(),
		LockDuration:   lockDuration,
		MakerCoinConfs: c.MakerCoinConfs,
		MakerCoinNota:  c.MakerCoinNota,
		TakerCoinConfs: c.TakerCoinConfs,
		TakerCoinNota:  c.TakerCoinNota,
		Secret:         secret,
		SecretHash:     algo.Hash(secret),
		SecretHashAlgo: uint8(algo),
		OtherPubkey:    otherPub,
		Params:         params,
		CreatedAt:      m.clock.Now(),
	}
}

// start persists a new swap and launches it. The swap's funds must be
// reserved; a failed start releases them.
func (m *Manager) start(rec *storage.SwapRecord) error {
	id, err := uuid.Parse(rec.UUID)
	if err != nil {
		return err
	}
	if err := m.store.StoreRepr(rec); err != nil {
		m.registry.unlockAmount(id)
		return err
	}
	base, st, err := m.restore(rec)
	if err == nil {
		err = m.launch(base, st, false)
	}
	if err != nil {
		m.registry.unlockAmount(id)
		if ferr := m.store.MarkFinished(rec.UUID); ferr != nil {
			m.log.Warn("Failed to finish unstarted swap", "uuid", rec.UUID, "error", ferr)
		}
		return err
	}
	m.log.Info("Started swap", "uuid", rec.UUID, "type", rec.SwapType,
		"maker_coin", rec.MakerCoin, "taker_coin", rec.TakerCoin)
	return nil
}

// =============================================================================
// Machines
// =============================================================================

func (m *Manager) swapCoins(makerTicker, takerTicker string) (MakerCoin, TakerCoin, error) {
	mc, ok := m.coins.Get(makerTicker)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrCoinNotActive, makerTicker)
	}
	tc, ok := m.coins.Get(takerTicker)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrCoinNotActive, takerTicker)
	}
	makerCoin, ok := mc.(MakerCoin)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s cannot be a maker coin", ErrInvalidParams, makerTicker)
	}
	takerCoin, ok := tc.(TakerCoin)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s cannot be a taker coin", ErrInvalidParams, takerTicker)
	}
	return makerCoin, takerCoin, nil
}

func roleOf(swapType string) (Role, error) {
	switch swapType {
	case MakerSwapType:
		return RoleMaker, nil
	case TakerSwapType:
		return RoleTaker, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownSwapType, swapType)
	}
}

// restore builds the machine of rec and the state of its last event.
func (m *Manager) restore(rec *storage.SwapRecord) (*swapBase, state, error) {
	id, err := uuid.Parse(rec.UUID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid swap uuid %q: %w", rec.UUID, err)
	}
	role, err := roleOf(rec.SwapType)
	if err != nil {
		return nil, nil, err
	}
	var params swapParams
	if len(rec.Params) > 0 {
		if err := json.Unmarshal(rec.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("invalid swap params: %w", err)
		}
	}
	makerCoin, takerCoin, err := m.swapCoins(rec.MakerCoin, rec.TakerCoin)
	if err != nil {
		return nil, nil, err
	}
	msgKey, err := messageKey(m.wallet, id, params.PerSwapP2PKey)
	if err != nil {
		return nil, nil, err
	}

	base := &swapBase{
		id:        id,
		role:      role,
		cfg:       m.cfg,
		clock:     m.clock,
		log:       m.log.ForSwap(id, string(role)),
		store:     m.store,
		registry:  m.registry,
		transport: m.transport,
		msgKey:    msgKey,
		otherPub:  rec.OtherPubkey,
		mailbox:   NewMailbox(),
		emit:      func(ev Event) { m.emit(id, role, ev) },
	}

	var st state
	switch role {
	case RoleMaker:
		ms, err := newMakerSwap(base, rec, makerCoin, takerCoin, m.dexCfg, m.fees)
		if err != nil {
			return nil, nil, err
		}
		st, err = ms.recreate(rec)
		if err != nil {
			return nil, nil, err
		}
	case RoleTaker:
		ts, err := newTakerSwap(base, rec, makerCoin, takerCoin, m.fees)
		if err != nil {
			return nil, nil, err
		}
		st, err = ts.recreate(rec)
		if err != nil {
			return nil, nil, err
		}
	}
	return base, st, nil
}

// launch takes the swap lock, subscribes to the swap topic and drives the
// machine from st in its own goroutine.
func (m *Manager) launch(base *swapBase, st state, resumed bool) error {
	id := base.id
	ctx, cancel := context.WithCancelCause(m.ctx)

	if err := m.registry.register(id, &runningSwap{role: base.role, cancel: cancel}); err != nil {
		cancel(err)
		return err
	}

	lock, err := acquireSwapLock(m.store, id.String(), m.owner, m.cfg.LockTTL, m.clock)
	if err != nil {
		m.registry.unregister(id)
		cancel(err)
		return err
	}

	in, unsubscribe, err := m.transport.Subscribe(SwapTopic(id))
	if err != nil {
		m.registry.unregister(id)
		cancel(err)
		_ = lock.release()
		return fmt.Errorf("failed to subscribe to swap topic: %w", err)
	}
	go base.mailbox.pump(in, id, base.otherPub, base.log)
	go lock.keepAlive(ctx, m.cfg.LockRenewInterval, func(err error) {
		base.log.Error("Lost swap lock", "error", err)
		cancel(fmt.Errorf("%w: %v", ErrSwapLockLost, err))
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		err := base.drive(ctx, st, resumed)
		switch {
		case err == nil:
			base.log.Info("Swap finished")
		case errors.Is(err, errManagerClosed):
			base.log.Info("Swap stopped")
		default:
			base.log.Error("Swap stopped", "error", err)
		}

		cancel(nil)
		unsubscribe()
		m.registry.unregister(id)
		if err := lock.release(); err != nil {
			base.log.Warn("Failed to release swap lock", "error", err)
		}
	}()
	return nil
}

// =============================================================================
// Status
// =============================================================================

// StatusEvent is one entry of a swap's history.
type StatusEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Status describes a stored swap.
type Status struct {
	UUID         string          `json:"uuid"`
	SwapType     string          `json:"swap_type"`
	MakerCoin    string          `json:"maker_coin"`
	TakerCoin    string          `json:"taker_coin"`
	MakerVolume  decimal.Decimal `json:"maker_volume"`
	TakerVolume  decimal.Decimal `json:"taker_volume"`
	CurrentState string          `json:"current_state"`
	Events       []StatusEvent   `json:"events"`
	Finished     bool            `json:"finished"`
	Running      bool            `json:"running"`
}

// SwapStatus returns the stored state and history of a swap.
func (m *Manager) SwapStatus(id uuid.UUID) (*Status, error) {
	rec, err := m.store.GetRepr(id.String())
	if err != nil {
		return nil, err
	}
	st := &Status{
		UUID:         rec.UUID,
		SwapType:     rec.SwapType,
		MakerCoin:    rec.MakerCoin,
		TakerCoin:    rec.TakerCoin,
		MakerVolume:  rec.MakerVolume,
		TakerVolume:  rec.TakerVolume,
		CurrentState: "Initialize",
		Events:       make([]StatusEvent, 0, len(rec.Events)),
		Finished:     rec.IsFinished,
		Running:      m.registry.IsRunning(id),
	}
	for _, ev := range rec.Events {
		st.Events = append(st.Events, StatusEvent{Type: ev.Type, Data: ev.Data, Timestamp: ev.CreatedAt})
	}
	if last := rec.LastEvent(); last != nil {
		st.CurrentState = last.Type
		st.Finished = st.Finished || last.Terminal
	}
	return st, nil
}
