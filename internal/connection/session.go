package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rickgao/marketstream/internal/metrics"
)

// Session owns the single streaming connection. All state transitions run on
// one goroutine fed by a command channel; public methods post commands and
// return without waiting, except Connect and Disconnect.
type Session struct {
	cfg      SessionConfig
	creds    CredentialProvider
	handler  InboundHandler
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	newClient func(ClientConfig, *slog.Logger) Client

	registry *Registry
	queue    *Queue

	cmds chan command
	done chan struct{} // closed when the loop exits

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	started   atomic.Bool

	// Mirrors of loop-owned state for concurrent readers.
	stateVal    atomic.Value // ConnectionState
	clientIDVal atomic.Value // string
	attemptsVal atomic.Int64
	connects    atomic.Int64
	giveUps     atomic.Int64
	sendFails   atomic.Int64

	// Loop-owned.
	state      ConnectionState
	gen        uint64 // bumped per dial and on Disconnect
	clientID   string
	client     Client
	connCancel context.CancelFunc
	dialCancel context.CancelFunc
	attempts   int
	timer      *time.Timer
	timerSeq   uint64
	halted     bool // no implicit connects until Connect is called
	waiters    []chan error
}

type command interface{}

type (
	connectCmd struct {
		reply chan error
	}
	disconnectCmd struct {
		reply chan struct{}
	}
	subscribeCmd struct {
		sub Subscription
	}
	unsubscribeCmd struct {
		id string
	}
	symbolsCmd struct {
		symbols   []string
		subscribe bool
	}
	sendCmd struct {
		msg OutboundMessage
	}
	keepAliveCmd struct {
		gen uint64
	}
	dialResult struct {
		gen    uint64
		client Client
		err    error
	}
	closedEvent struct {
		gen  uint64
		code int
		err  error
	}
	reconnectDue struct {
		seq uint64
	}
)

// NewSession creates a Connection Session. creds, handler and notifier may be nil.
func NewSession(
	cfg SessionConfig,
	creds CredentialProvider,
	handler InboundHandler,
	notifier Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultSessionConfig()
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = def.PathTemplate
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts < 1 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SymbolChunkSize < 1 {
		cfg.SymbolChunkSize = def.SymbolChunkSize
	}
	if cfg.CommandBuffer < 1 {
		cfg.CommandBuffer = def.CommandBuffer
	}

	s := &Session{
		cfg:       cfg,
		creds:     creds,
		handler:   handler,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		newClient: NewClient,
		registry:  NewRegistry(),
		queue:     NewQueue(64),
		cmds:      make(chan command, cfg.CommandBuffer),
		done:      make(chan struct{}),
		state:     StateDisconnected,
	}
	s.stateVal.Store(StateDisconnected)
	s.clientIDVal.Store("")
	return s
}

// Start launches the session goroutine. It does not connect.
func (s *Session) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.metrics.SetConnectionState(string(StateDisconnected))
		s.started.Store(true)
		go s.run()
	})
	return nil
}

// Stop closes the connection and waits for session goroutines to exit.
func (s *Session) Stop(ctx context.Context) error {
	s.logger.Info("stopping session")

	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-s.done
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	s.logger.Info("session stopped")
	return nil
}

// Connect opens the connection, or joins an attempt already in flight. It
// returns nil once connected, ErrGaveUp if reconnection is abandoned, or
// ErrDisconnected if Disconnect is called first. Start must be called first.
func (s *Session) Connect(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	if !s.post(connectCmd{reply: reply}) {
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// Disconnect closes the connection with a normal close code, cancels pending
// reconnects and clears the outbound queue. Subscriptions are kept.
// It is a no-op before Start.
func (s *Session) Disconnect() {
	if !s.started.Load() {
		return
	}
	reply := make(chan struct{})
	if !s.post(disconnectCmd{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

// Subscribe registers a channel subscription and returns its id.
func (s *Session) Subscribe(channel string, params map[string]any) string {
	sub := Subscription{
		ID:      newSubscriptionID(),
		Channel: channel,
		Params:  maps.Clone(params),
	}
	s.post(subscribeCmd{sub: sub})
	return sub.ID
}

// Unsubscribe removes a channel subscription.
func (s *Session) Unsubscribe(id string) {
	s.post(unsubscribeCmd{id: id})
}

// SubscribeSymbols adds symbols to the streamed set.
func (s *Session) SubscribeSymbols(symbols []string) {
	s.post(symbolsCmd{symbols: append([]string(nil), symbols...), subscribe: true})
}

// UnsubscribeSymbols removes symbols from the streamed set.
func (s *Session) UnsubscribeSymbols(symbols []string) {
	s.post(symbolsCmd{symbols: append([]string(nil), symbols...), subscribe: false})
}

// Send queues msg for transmission. The payload is encoded immediately;
// the only error is an unencodable payload.
func (s *Session) Send(msg OutboundMessage) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msg.Type, err)
	}
	msg.Payload = json.RawMessage(raw)
	s.post(sendCmd{msg: msg})
	return nil
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return s.stateVal.Load().(ConnectionState)
}

// ClientID returns the client identity, or "" before the first connect.
func (s *Session) ClientID() string {
	return s.clientIDVal.Load().(string)
}

// Registry returns the read-only view of subscriptions and symbols.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Stats returns current session statistics.
func (s *Session) Stats() SessionStats {
	symbols, subs := s.registry.Counts()
	return SessionStats{
		State:         s.State(),
		ClientID:      s.ClientID(),
		Attempts:      int(s.attemptsVal.Load()),
		QueueDepth:    s.queue.Len(),
		Symbols:       symbols,
		Subscriptions: subs,
		Connects:      s.connects.Load(),
		GiveUps:       s.giveUps.Load(),
		SendFailures:  s.sendFails.Load(),
	}
}

// post delivers c to the loop. Returns false once the loop has exited.
func (s *Session) post(c command) bool {
	select {
	case s.cmds <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case c := <-s.cmds:
			s.handle(c)
		}
	}
}

func (s *Session) handle(c command) {
	switch c := c.(type) {
	case connectCmd:
		s.handleConnect(c)
	case disconnectCmd:
		s.handleDisconnect()
		close(c.reply)
	case subscribeCmd:
		s.registry.add(c.sub)
		if s.state == StateConnected {
			s.enqueue(outbound{
				msg:          OutboundMessage{Type: "subscribe", Payload: c.sub},
				fromRegistry: true,
			}, false)
		} else {
			s.maybeConnect()
		}
	case unsubscribeCmd:
		if s.registry.remove(c.id) && s.state == StateConnected {
			s.enqueue(outbound{
				msg:          OutboundMessage{Type: "unsubscribe", Payload: map[string]string{"id": c.id}},
				fromRegistry: true,
			}, false)
		}
	case symbolsCmd:
		s.handleSymbols(c)
	case sendCmd:
		s.enqueue(outbound{msg: c.msg}, c.msg.Priority)
		if s.state != StateConnected {
			s.maybeConnect()
		}
	case keepAliveCmd:
		if c.gen == s.gen && s.state == StateConnected {
			s.enqueue(outbound{msg: OutboundMessage{Type: "ping", Payload: struct{}{}}}, false)
		}
	case dialResult:
		s.handleDialResult(c)
	case closedEvent:
		if c.gen != s.gen || s.state != StateConnected {
			return
		}
		s.logger.Warn("connection closed", "code", c.code, "error", c.err)
		s.onClose(c.code)
	case reconnectDue:
		if c.seq != s.timerSeq || s.timer == nil {
			return
		}
		s.timer = nil
		if s.state == StateDisconnected {
			s.startDial()
		}
	default:
		s.logger.Error("unknown session command", "type", fmt.Sprintf("%T", c))
	}
}

func (s *Session) handleConnect(c connectCmd) {
	s.halted = false

	switch s.state {
	case StateConnected:
		c.reply <- nil
	case StateConnecting:
		s.waiters = append(s.waiters, c.reply)
	default:
		s.waiters = append(s.waiters, c.reply)
		if s.attempts >= s.cfg.MaxReconnectAttempts {
			s.setAttempts(0)
		}
		s.cancelTimer()
		s.startDial()
	}
}

func (s *Session) handleDisconnect() {
	s.cancelTimer()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.gen++
	s.teardownConn()
	s.setAttempts(0)
	if n := s.queue.clear(); n > 0 {
		s.logger.Debug("cleared outbound queue", "dropped", n)
	}
	s.metrics.SetQueueDepth(0)
	s.halted = true
	s.setState(StateDisconnected)
	s.settle(ErrDisconnected)

	s.logger.Info("disconnected")
}

func (s *Session) handleSymbols(c symbolsCmd) {
	if c.subscribe {
		added := s.registry.addSymbols(c.symbols)
		if len(added) == 0 {
			return
		}
		if s.state == StateConnected {
			s.enqueueSymbols("subscribe", added)
		} else {
			s.maybeConnect()
		}
		return
	}

	removed := s.registry.removeSymbols(c.symbols)
	if len(removed) > 0 && s.state == StateConnected {
		s.enqueueSymbols("unsubscribe", removed)
	}
}

func (s *Session) enqueueSymbols(action string, symbols []string) {
	for start := 0; start < len(symbols); start += s.cfg.SymbolChunkSize {
		end := min(start+s.cfg.SymbolChunkSize, len(symbols))
		s.enqueue(outbound{
			action:       &symbolAction{Action: action, Symbols: symbols[start:end]},
			fromRegistry: true,
		}, false)
	}
}

func (s *Session) enqueue(o outbound, priority bool) {
	s.queue.push(o, priority)
	s.metrics.SetQueueDepth(s.queue.Len())
}

// maybeConnect starts an implicit connection attempt.
func (s *Session) maybeConnect() {
	if s.state == StateDisconnected && !s.halted && s.timer == nil {
		s.startDial()
	}
}

func (s *Session) startDial() {
	if s.clientID == "" {
		s.clientID = uuid.NewString()
		s.clientIDVal.Store(s.clientID)
	}

	s.gen++
	gen := s.gen
	s.setState(StateConnecting)

	ctx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	clientID := s.clientID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c, err := s.dial(ctx, clientID)
		if !s.post(dialResult{gen: gen, client: c, err: err}) && c != nil {
			c.Close()
		}
	}()
}

func (s *Session) dial(ctx context.Context, clientID string) (Client, error) {
	var token string
	if s.creds != nil {
		t, err := s.creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve token: %w", err)
		}
		token = t
	}

	u, err := BuildURL(s.cfg.Host, s.cfg.PathTemplate, clientID, token)
	if err != nil {
		return nil, err
	}

	ccfg := s.cfg.Client
	ccfg.URL = u
	c := s.newClient(ccfg, s.logger.With("client_id", clientID))
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("dial %s: %w", redactURL(u), err)
	}
	return c, nil
}

func (s *Session) handleDialResult(r dialResult) {
	if r.gen != s.gen || s.state != StateConnecting {
		if r.client != nil {
			r.client.Close()
		}
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if r.err != nil {
		s.logger.Warn("connect failed", "attempt", s.attempts, "error", r.err)
		s.metrics.Connected("error")
		s.onClose(CloseAbnormal)
		return
	}

	s.onOpen(r.client)
}

func (s *Session) onOpen(c Client) {
	s.client = c
	s.setState(StateConnected)
	s.setAttempts(0)
	s.connects.Add(1)
	s.metrics.Connected("ok")

	// Replay before the drain loop starts so it precedes everything queued.
	s.replay()

	ctx, cancel := context.WithCancel(s.ctx)
	s.connCancel = cancel
	gen := s.gen

	s.wg.Add(2)
	go s.readPump(ctx, gen, c)
	go s.drainLoop(ctx, gen, c)

	if s.cfg.KeepAliveInterval > 0 {
		s.wg.Add(1)
		go s.keepAlive(ctx, gen)
	}

	s.settle(nil)

	symbols, subs := s.registry.Counts()
	s.logger.Info("connected",
		"client_id", s.clientID,
		"symbols", symbols,
		"subscriptions", subs,
		"queued", s.queue.Len(),
	)
}

// replay queues the registry state on the priority lane: symbols in sorted
// chunks, then subscriptions in insertion order.
func (s *Session) replay() {
	chunks, subs := s.registry.replay(s.cfg.SymbolChunkSize)

	items := make([]outbound, 0, len(chunks)+len(subs))
	for _, chunk := range chunks {
		items = append(items, outbound{
			action:       &symbolAction{Action: "subscribe", Symbols: chunk},
			fromRegistry: true,
		})
	}
	for _, sub := range subs {
		items = append(items, outbound{
			msg:          OutboundMessage{Type: "subscribe", Payload: sub, Priority: true},
			fromRegistry: true,
		})
	}
	s.queue.prependPriority(items)
	s.metrics.SetQueueDepth(s.queue.Len())
}

// onClose handles the end of a connection or a failed dial.
func (s *Session) onClose(code int) {
	s.teardownConn()
	s.queue.purgeRegistry()
	s.setState(StateDisconnected)

	if code == CloseNormal {
		s.halted = true
		s.logger.Info("server closed connection normally")
		return
	}

	// attempts counts scheduled reconnects, so the session gives up on the
	// failure that follows the last of MaxReconnectAttempts timers.
	if s.attempts < s.cfg.MaxReconnectAttempts {
		delay := Backoff(s.attempts, s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay)
		s.setAttempts(s.attempts + 1)
		s.scheduleReconnect(delay)
		s.metrics.ReconnectScheduled()
		s.logger.Info("reconnect scheduled",
			"attempt", s.attempts,
			"max_attempts", s.cfg.MaxReconnectAttempts,
			"delay", delay,
		)
		return
	}

	s.halted = true
	s.giveUps.Add(1)
	s.metrics.GaveUp()
	s.logger.Error("giving up on reconnection", "attempts", s.attempts)
	if s.notifier != nil {
		s.notifier.Notify(
			fmt.Sprintf("Connection to market stream lost after %d reconnect attempts. Reconnect to resume live data.", s.attempts),
			SeverityError,
		)
	}
	s.settle(ErrGaveUp)
}

func (s *Session) scheduleReconnect(delay time.Duration) {
	s.timerSeq++
	seq := s.timerSeq
	s.timer = time.AfterFunc(delay, func() {
		s.post(reconnectDue{seq: seq})
	})
}

func (s *Session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

// teardownConn stops per-connection goroutines and closes the transport.
func (s *Session) teardownConn() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("close transport", "error", err)
		}
		s.client = nil
	}
}

func (s *Session) shutdown() {
	s.cancelTimer()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.gen++
	s.teardownConn()
	s.setState(StateDisconnected)
	s.settle(ErrStopped)
}

// settle resolves every pending Connect caller.
func (s *Session) settle(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Session) setState(state ConnectionState) {
	s.state = state
	s.stateVal.Store(state)
	s.metrics.SetConnectionState(string(state))
}

func (s *Session) setAttempts(n int) {
	s.attempts = n
	s.attemptsVal.Store(int64(n))
}

// readPump feeds inbound frames to the handler and reports the terminal error.
func (s *Session) readPump(ctx context.Context, gen uint64, c Client) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.Messages():
			s.deliver(msg)
		case err := <-c.Errors():
			// Frames read before the failure still count.
		drain:
			for {
				select {
				case msg := <-c.Messages():
					s.deliver(msg)
				default:
					break drain
				}
			}
			s.post(closedEvent{gen: gen, code: CloseCode(err), err: err})
			return
		}
	}
}

func (s *Session) deliver(msg TimestampedMessage) {
	if s.handler != nil {
		s.handler.HandleMessage(msg.Data, msg.ReceivedAt)
	}
}

// drainLoop transmits queued messages in paced batches while the connection
// is open. A failed write ends the connection; unsent items stay queued.
func (s *Session) drainLoop(ctx context.Context, gen uint64, c Client) {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Every(s.cfg.BatchInterval), 1)

	for {
		for s.queue.Len() > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			batch := s.queue.take(s.cfg.BatchSize)
			if len(batch) == 0 {
				break
			}
			if err := s.sendBatch(ctx, c, batch); err != nil {
				s.post(closedEvent{gen: gen, code: CloseAbnormal, err: err})
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.queue.Ready():
		}
	}
}

// sendBatch writes one drained batch. On a write error the items of the
// failed frame and every later frame go back on the queue.
func (s *Session) sendBatch(ctx context.Context, c Client, batch []outbound) error {
	s.metrics.ObserveBatch(len(batch), s.queue.Len())

	frames, err := encodeBatch(batch)
	if err != nil {
		// Payloads are encoded in Send, so this batch can never be written.
		s.logger.Error("failed to encode outbound batch", "messages", len(batch), "error", err)
		s.metrics.SendFailed()
		return nil
	}

	for i, f := range frames {
		if err := c.Send(f.data); err != nil {
			// Once ctx is done the loop has already purged registry items
			// for this connection; the next open replays them.
			torn := ctx.Err() != nil
			var unsent []outbound
			for _, rest := range frames[i:] {
				for _, o := range rest.items {
					if torn && o.fromRegistry {
						continue
					}
					unsent = append(unsent, o)
				}
			}
			s.queue.requeue(unsent)
			s.metrics.SetQueueDepth(s.queue.Len())
			s.sendFails.Add(1)
			s.metrics.SendFailed()
			s.logger.Warn("failed to send frame", "kind", f.kind, "requeued", len(unsent), "error", err)
			return fmt.Errorf("send %s frame: %w", f.kind, err)
		}
		s.metrics.FrameSent(f.kind)
	}
	return nil
}

func (s *Session) keepAlive(ctx context.Context, gen uint64) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(keepAliveCmd{gen: gen})
		}
	}
}

// BuildURL joins host and the path template (with {client_id} replaced) and
// adds the token query parameter when token is non-empty.
func BuildURL(host, pathTemplate, clientID, token string) (string, error) {
	path := strings.ReplaceAll(pathTemplate, "{client_id}", url.PathEscape(clientID))
	u, err := url.Parse(strings.TrimRight(host, "/") + path)
	if err != nil {
		return "", fmt.Errorf("build url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("build url: unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redactURL hides the token query parameter for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
