package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/market"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
)

var (
	ErrMissingType = errors.New("message has no type")
	ErrMissingData = errors.New("message has no data")
	ErrEmptySymbol = errors.New("quote has no symbol")
)

// otherLabel is the metric label for types without dedicated handling.
const otherLabel = "other"

// Router decodes inbound frames and dispatches them to the cache, sinks
// and event fan-out.
type Router interface {
	connection.InboundHandler

	// Start begins routing buffered frames.
	Start(ctx context.Context) error

	// Stop flushes pending throttled data and shuts down the router.
	Stop(ctx context.Context) error

	// Stats returns current router statistics.
	Stats() Stats
}

// router is the internal implementation.
type router struct {
	cfg     Config
	cache   *market.Cache
	events  *Fanout
	sinks   Sinks
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Frames from the session read pump
	input *GrowableBuffer[connection.TimestampedMessage]

	market *Throttle[map[string]sequenced]

	// seq orders price-bearing frames by arrival; owned by the route loop.
	seq uint64

	// priceMu serializes cache and sink writes from the route loop and the
	// throttle timer. applied holds the newest seq written per symbol.
	priceMu sync.Mutex
	applied map[string]uint64

	otherMu sync.Mutex
	other   map[string]*Throttle[json.RawMessage]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.RWMutex
	received        int64
	routed          int64
	parseErrors     int64
	coalesced       int64
	unknownMessages int64
	superseded      int64
}

// NewRouter creates a new inbound router. cache and events may be nil.
func NewRouter(cfg Config, cache *market.Cache, events *Fanout, sinks Sinks, m *metrics.Metrics, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = market.NewCache()
	}
	if events == nil {
		events = NewFanout(m, logger)
	}

	r := &router{
		cfg:     cfg,
		cache:   cache,
		events:  events,
		sinks:   sinks,
		metrics: m,
		logger:  logger.With("component", "router"),
		input:   NewBoundedBuffer[connection.TimestampedMessage](cfg.InputBufferSize, cfg.MaxPending),
		other:   make(map[string]*Throttle[json.RawMessage]),
		applied: make(map[string]uint64),
	}
	r.market = NewThrottle(cfg.ThrottleWindow, mergeSnapshots, r.applyMarketData)
	return r
}

// HandleMessage queues a raw frame for routing. Never blocks.
func (r *router) HandleMessage(data []byte, receivedAt time.Time) {
	if !r.input.Send(connection.TimestampedMessage{Data: data, ReceivedAt: receivedAt}) {
		r.logger.Warn("inbound frame dropped", "bytes", len(data), "pending", r.input.Len())
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	// Parent cancellation closes the input so routeLoop drains and exits.
	go func() {
		<-r.ctx.Done()
		r.input.Close()
	}()

	r.logger.Info("message router started",
		"throttle_window", r.cfg.ThrottleWindow,
		"input_buffer", r.cfg.InputBufferSize,
	)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	r.input.Close()
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
	}

	// Deliver the final state before tearing the throttles down.
	r.market.Flush()
	r.market.Stop()

	r.otherMu.Lock()
	others := make([]*Throttle[json.RawMessage], 0, len(r.other))
	for _, t := range r.other {
		others = append(others, t)
	}
	r.otherMu.Unlock()
	for _, t := range others {
		t.Flush()
		t.Stop()
	}

	return nil
}

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in := r.input.Stats()
	return Stats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		Coalesced:        r.coalesced,
		UnknownMessages:  r.unknownMessages,
		Superseded:       r.superseded,
		Dropped:          in.Dropped,
		Input:            in,
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		msg, ok := r.input.Receive()
		if !ok {
			return
		}
		r.route(msg)
	}
}

// route parses and routes a single message.
func (r *router) route(raw connection.TimestampedMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	var env envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		r.parseFailed("", fmt.Errorf("decode envelope: %w", err))
		return
	}
	if env.Type == "" {
		r.parseFailed("", ErrMissingType)
		return
	}

	var err error
	switch env.Type {
	case TypeMarketData:
		err = r.routeMarketData(env.Data, raw.ReceivedAt)
	case TypePriceUpdate:
		err = r.routePriceUpdate(env.Data, raw.ReceivedAt)
	case TypePortfolioUpdate:
		err = r.routePortfolio(env.Data, raw.ReceivedAt)
	case TypeAlertTriggered:
		err = r.routeAlert(env.Data)
	case TypePong:
		// Keep-alive acknowledgement.
	default:
		r.routeOther(env.Type, env.Data)
	}
	if err != nil {
		r.parseFailed(env.Type, err)
		return
	}

	label := env.Type
	if !isKnownType(label) {
		label = otherLabel
	}
	r.metrics.Inbound(label)

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
}

func (r *router) parseFailed(msgType string, err error) {
	r.logger.Warn("failed to parse inbound message", "type", msgType, "error", err)
	r.metrics.ParseError()

	r.mu.Lock()
	r.parseErrors++
	r.mu.Unlock()
}

func (r *router) countCoalesced(label string) {
	r.metrics.Coalesce(label)

	r.mu.Lock()
	r.coalesced++
	r.mu.Unlock()
}

func (r *router) routeMarketData(data json.RawMessage, receivedAt time.Time) error {
	if len(data) == 0 {
		return ErrMissingData
	}
	var quotes []quoteWire
	if err := json.Unmarshal(data, &quotes); err != nil {
		return fmt.Errorf("decode market_data: %w", err)
	}

	r.seq++
	batch := make(map[string]sequenced, len(quotes))
	for _, q := range quotes {
		snap := q.snapshot(receivedAt)
		if snap.Symbol == "" {
			continue
		}
		batch[snap.Symbol] = sequenced{snap: snap, seq: r.seq}
	}
	if len(batch) == 0 {
		return nil
	}

	if r.market.Push(batch) {
		r.countCoalesced(TypeMarketData)
	}
	return nil
}

func (r *router) routePriceUpdate(data json.RawMessage, receivedAt time.Time) error {
	if len(data) == 0 {
		return ErrMissingData
	}
	var q quoteWire
	if err := json.Unmarshal(data, &q); err != nil {
		return fmt.Errorf("decode price_update: %w", err)
	}
	snap := q.snapshot(receivedAt)
	if snap.Symbol == "" {
		return ErrEmptySymbol
	}

	r.seq++
	r.storePrices([]sequenced{{snap: snap, seq: r.seq}})
	return nil
}

func (r *router) routePortfolio(data json.RawMessage, receivedAt time.Time) error {
	if len(data) == 0 {
		return ErrMissingData
	}
	update := model.PortfolioUpdate{ReceivedAt: receivedAt, Payload: data}
	for _, s := range r.sinks.Portfolio {
		if s != nil {
			s.UpdatePortfolio(update)
		}
	}
	return nil
}

func (r *router) routeAlert(data json.RawMessage) error {
	if len(data) == 0 {
		return ErrMissingData
	}
	var alert model.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return fmt.Errorf("decode alert_triggered: %w", err)
	}

	if r.sinks.Notifier != nil {
		r.sinks.Notifier.Notify("Alert triggered: "+alert.Message, connection.SeverityWarning)
	}
	r.events.Emit(TypeAlertTriggered, data)
	return nil
}

func (r *router) routeOther(msgType string, data json.RawMessage) {
	r.mu.Lock()
	r.unknownMessages++
	r.mu.Unlock()

	if r.otherThrottle(msgType).Push(data) {
		r.countCoalesced(otherLabel)
	}
}

func (r *router) otherThrottle(msgType string) *Throttle[json.RawMessage] {
	r.otherMu.Lock()
	defer r.otherMu.Unlock()

	t, ok := r.other[msgType]
	if !ok {
		t = NewThrottle(r.cfg.ThrottleWindow, nil, func(payload json.RawMessage) {
			r.events.Emit(msgType, payload)
		})
		r.other[msgType] = t
	}
	return t
}

// applyMarketData is the market_data throttle's emit.
func (r *router) applyMarketData(batch map[string]sequenced) {
	items := make([]sequenced, 0, len(batch))
	for _, s := range batch {
		items = append(items, s)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].snap.Symbol < items[j].snap.Symbol })
	r.storePrices(items)
}

// storePrices writes snapshots to the cache and price sinks, skipping any
// symbol that already holds a later-arriving value.
func (r *router) storePrices(items []sequenced) {
	r.priceMu.Lock()
	defer r.priceMu.Unlock()

	fresh := make([]model.Snapshot, 0, len(items))
	for _, it := range items {
		sym := it.snap.Symbol
		if it.seq <= r.applied[sym] {
			continue
		}
		r.applied[sym] = it.seq
		fresh = append(fresh, it.snap)
	}
	if stale := len(items) - len(fresh); stale > 0 {
		r.mu.Lock()
		r.superseded += int64(stale)
		r.mu.Unlock()
	}
	if len(fresh) == 0 {
		return
	}

	r.cache.SetMany(fresh)
	for _, s := range fresh {
		r.publishPrice(s)
	}
}

func (r *router) publishPrice(snap model.Snapshot) {
	for _, s := range r.sinks.Prices {
		if s != nil {
			s.UpdatePrice(snap.Symbol, snap)
		}
	}
}

// sequenced is a snapshot tagged with its frame's arrival order.
type sequenced struct {
	snap model.Snapshot
	seq  uint64
}

// mergeSnapshots folds next into pending, last write per symbol wins.
func mergeSnapshots(pending, next map[string]sequenced) map[string]sequenced {
	for sym, s := range next {
		pending[sym] = s
	}
	return pending
}

func isKnownType(t string) bool {
	switch t {
	case TypeMarketData, TypePriceUpdate, TypePortfolioUpdate, TypeAlertTriggered, TypePong:
		return true
	}
	return false
}
