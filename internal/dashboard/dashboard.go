package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"lockt/internal/escrow"
	"lockt/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrActionInFlight    = errors.New("another transaction is in flight")
	ErrActionUnavailable = errors.New("action not offered in the current state")
	ErrDepositMismatch   = errors.New("configured deposit differs from the contract value")

	// ErrNotConnected and ErrDeclined report actions that did nothing. The
	// view is left exactly as it was.
	ErrNotConnected = errors.New("no wallet session")
	ErrDeclined     = errors.New("confirmation declined")
)

const (
	defaultReadTimeout    = 10 * time.Second
	defaultConfirmTimeout = 5 * time.Minute
)

// ConfirmFunc gates irreversible actions. It returns true when the user accepted message.
type ConfirmFunc func(message string) bool

// Observer receives outcome counts, typically a metrics registry.
type Observer interface {
	ObserveConnect(result string)
	ObserveRefresh(result string)
	ObserveAction(action Action, result string)
	ObserveState(state escrow.State)
}

type noopObserver struct{}

func (noopObserver) ObserveConnect(string)        {}
func (noopObserver) ObserveRefresh(string)        {}
func (noopObserver) ObserveAction(Action, string) {}
func (noopObserver) ObserveState(escrow.State)    {}

type Config struct {
	// DepositAmount is sent with every deposit, in wei.
	DepositAmount  *big.Int
	ReadTimeout    time.Duration
	ConfirmTimeout time.Duration
}

type Option func(*Dashboard)

func WithObserver(o Observer) Option {
	return func(d *Dashboard) {
		if o != nil {
			d.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) {
		if l != nil {
			d.log = l
		}
	}
}

// View is an immutable projection of the dashboard for rendering.
type View struct {
	Phase      Phase           `json:"phase"`
	Snapshot   *SnapshotView   `json:"snapshot,omitempty"`
	Actions    []Action        `json:"actions"`
	InFlight   bool            `json:"inFlight"`
	Refreshing bool            `json:"refreshing"`
	Status     string          `json:"status,omitempty"`
	Account    *common.Address `json:"account,omitempty"`
	Notice     string          `json:"notice,omitempty"`
	DepositEth string          `json:"depositEth"`
	snapshot   *escrow.Snapshot
}

// SnapshotView is the rendered form of a snapshot.
type SnapshotView struct {
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	State     uint8          `json:"state"`
	StateName string         `json:"stateName"`
	ValueWei  string         `json:"valueWei"`
	ValueEth  string         `json:"valueEth"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// Raw returns a copy of the underlying snapshot, or nil while loading.
func (v View) Raw() *escrow.Snapshot {
	if v.snapshot == nil {
		return nil
	}
	snap := v.snapshot.Clone()
	return &snap
}

// Dashboard owns the single escrow view: the latest snapshot, the wallet
// session and the status text of the action in flight.
type Dashboard struct {
	bridge   *wallet.Bridge
	binder   escrow.Binder
	cfg      Config
	observer Observer
	log      *slog.Logger
	events   *hub
	pubMu    sync.Mutex

	mu         sync.Mutex
	snapshot   *escrow.Snapshot
	session    *wallet.Session
	status     string
	notice     string
	inFlight   bool
	refreshing int
	// refreshSeq numbers reads in start order; storedSeq is the read that
	// produced snapshot. An older read finishing late never replaces a newer one.
	refreshSeq uint64
	storedSeq  uint64
}

// New builds a dashboard. provider may be nil when no wallet is available.
func New(provider wallet.Provider, binder escrow.Binder, cfg Config, opts ...Option) (*Dashboard, error) {
	if binder == nil {
		return nil, fmt.Errorf("contract binder is required")
	}
	if cfg.DepositAmount == nil || cfg.DepositAmount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	cfg.DepositAmount = new(big.Int).Set(cfg.DepositAmount)

	d := &Dashboard{
		binder:   binder,
		cfg:      cfg,
		observer: noopObserver{},
		log:      slog.Default(),
		events:   newHub(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.bridge = wallet.NewBridge(provider, d.setNotice, d.log)
	return d, nil
}

// WalletAvailable reports whether a wallet provider was injected.
func (d *Dashboard) WalletAvailable() bool {
	return d.bridge.Available()
}

// Subscribe streams a view after every change. Call the returned func to stop.
func (d *Dashboard) Subscribe() (<-chan View, func()) {
	return d.events.subscribe()
}

// View returns the current projection.
func (d *Dashboard) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewLocked()
}

func (d *Dashboard) viewLocked() View {
	phase := d.phaseLocked()
	v := View{
		Phase:      phase,
		InFlight:   d.inFlight,
		Refreshing: d.refreshing > 0,
		Status:     d.status,
		Notice:     d.notice,
		DepositEth: escrow.FormatEther(d.cfg.DepositAmount),
	}
	if !d.inFlight {
		v.Actions = ActionsFor(phase)
	}
	if d.snapshot != nil {
		snap := d.snapshot.Clone()
		v.snapshot = &snap
		v.Snapshot = &SnapshotView{
			Buyer:     snap.Buyer,
			Seller:    snap.Seller,
			State:     uint8(snap.State),
			StateName: snap.State.String(),
			ValueWei:  valueString(snap.Value),
			ValueEth:  escrow.FormatEther(snap.Value),
			FetchedAt: snap.FetchedAt,
		}
	}
	if d.session != nil {
		addr := d.session.Address
		v.Account = &addr
	}
	return v
}

// phaseLocked keeps the last snapshot's phase while a refresh runs.
func (d *Dashboard) phaseLocked() Phase {
	return PhaseFor(d.snapshot)
}

// Connect attaches a wallet session. Failures leave the dashboard disconnected
// with a notice.
func (d *Dashboard) Connect(ctx context.Context) bool {
	session, ok := d.bridge.Connect(ctx)

	d.mu.Lock()
	if ok {
		d.session = session
		d.notice = ""
	}
	d.mu.Unlock()

	if ok {
		d.observer.ObserveConnect("connected")
	} else {
		d.observer.ObserveConnect("failed")
	}
	d.publish()
	return ok
}

// Refresh re-reads the contract. On failure the previous snapshot is kept and
// the error is returned for logging only. A read that started before the one
// currently displayed is discarded.
func (d *Dashboard) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.refreshing++
	d.refreshSeq++
	seq := d.refreshSeq
	var signer *bind.TransactOpts
	if d.session != nil {
		signer = d.session.Signer
	}
	d.mu.Unlock()
	d.publish()

	snap, err := d.read(ctx, signer)

	d.mu.Lock()
	d.refreshing--
	stale := err == nil && seq < d.storedSeq
	if err == nil && !stale {
		d.snapshot = &snap
		d.storedSeq = seq
	}
	d.mu.Unlock()

	switch {
	case err != nil:
		d.log.Warn("escrow refresh failed", "error", err)
		d.observer.ObserveRefresh("failed")
	case stale:
		d.log.Debug("discarding superseded escrow read", "block", snap.Block)
		d.observer.ObserveRefresh("stale")
	default:
		d.observer.ObserveRefresh("ok")
		d.observer.ObserveState(snap.State)
	}
	d.publish()
	return err
}

func (d *Dashboard) read(ctx context.Context, signer *bind.TransactOpts) (escrow.Snapshot, error) {
	handle, err := d.binder.Bind(signer)
	if err != nil {
		return escrow.Snapshot{}, fmt.Errorf("bind contract: %w", err)
	}
	readCtx, cancel := context.WithTimeout(ctx, d.cfg.ReadTimeout)
	defer cancel()
	return escrow.ReadSnapshot(readCtx, handle)
}

// Deposit sends the configured amount. Without a wallet session it does
// nothing and returns ErrNotConnected.
func (d *Dashboard) Deposit(ctx context.Context) error {
	return d.run(ctx, ActionDeposit, nil, func(ctx context.Context, c escrow.Contract) (escrow.PendingTx, error) {
		return c.Deposit(ctx, d.cfg.DepositAmount)
	})
}

// ConfirmReceipt releases the funds to the seller once gate accepts
// ConfirmReceiptPrompt. A declined gate does nothing and returns ErrDeclined.
func (d *Dashboard) ConfirmReceipt(ctx context.Context, gate ConfirmFunc) error {
	if gate == nil {
		return fmt.Errorf("confirmation gate is required")
	}
	return d.run(ctx, ActionConfirmReceipt, gate, func(ctx context.Context, c escrow.Contract) (escrow.PendingTx, error) {
		return c.ConfirmReceipt(ctx)
	})
}

type submitFunc func(ctx context.Context, c escrow.Contract) (escrow.PendingTx, error)

func (d *Dashboard) run(ctx context.Context, action Action, gate ConfirmFunc, submit submitFunc) error {
	if _, err := d.begin(action, false); err != nil {
		return err
	}

	if gate != nil && !gate(ConfirmReceiptPrompt) {
		d.observer.ObserveAction(action, "declined")
		return ErrDeclined
	}

	session, err := d.begin(action, true)
	if err != nil {
		return err
	}
	defer d.finish()

	text := statusByAction[action]
	d.setStatus(text.submitting)

	handle, err := d.binder.Bind(session.Signer)
	if err != nil {
		return d.fail(action, fmt.Errorf("bind contract: %w", err))
	}
	tx, err := submit(ctx, handle)
	if err != nil {
		return d.fail(action, err)
	}
	d.log.Info("transaction submitted", "action", action, "tx", tx.Hash().Hex())
	d.setStatus(text.mining)

	// A submitted transaction cannot be withdrawn; keep waiting even if the caller goes away.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ConfirmTimeout)
	defer cancel()
	if err := tx.Wait(waitCtx); err != nil {
		return d.fail(action, err)
	}

	d.log.Info("transaction confirmed", "action", action, "tx", tx.Hash().Hex())
	d.observer.ObserveAction(action, "confirmed")
	d.setStatus(text.done)

	if err := d.Refresh(context.WithoutCancel(ctx)); err != nil {
		d.log.Warn("refresh after confirmation failed", "action", action, "error", err)
	}
	return nil
}

// begin validates that action may start. With claim set it also marks the
// dashboard in flight.
func (d *Dashboard) begin(action Action, claim bool) (*wallet.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		d.log.Debug("action ignored without wallet session", "action", action)
		return nil, ErrNotConnected
	}
	if d.inFlight {
		return nil, ErrActionInFlight
	}
	if !offers(d.phaseLocked(), action) {
		return nil, fmt.Errorf("%w: %s in %s", ErrActionUnavailable, action, d.phaseLocked())
	}
	if action == ActionDeposit && d.snapshot.Value != nil && d.snapshot.Value.Sign() > 0 &&
		d.snapshot.Value.Cmp(d.cfg.DepositAmount) != 0 {
		return nil, fmt.Errorf("%w: contract holds %s, configured %s", ErrDepositMismatch,
			escrow.FormatEther(d.snapshot.Value), escrow.FormatEther(d.cfg.DepositAmount))
	}
	if claim {
		d.inFlight = true
		d.status = ""
	}
	return d.session, nil
}

func (d *Dashboard) finish() {
	d.mu.Lock()
	d.inFlight = false
	d.mu.Unlock()
	d.publish()
}

// fail records the failure in the status text. The snapshot is left untouched.
func (d *Dashboard) fail(action Action, err error) error {
	d.log.Warn("transaction failed", "action", action, "error", err)
	d.observer.ObserveAction(action, "failed")
	d.setStatus(statusByAction[action].failed + ": " + failureReason(err))
	return fmt.Errorf("%s: %w", action, err)
}

func (d *Dashboard) setStatus(status string) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
	d.publish()
}

func (d *Dashboard) setNotice(notice string) {
	d.mu.Lock()
	d.notice = notice
	d.mu.Unlock()
}

// publish is serialized so subscribers receive views in the order they were taken.
func (d *Dashboard) publish() {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	d.events.broadcast(d.View())
}

func valueString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
