package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
)

type Config struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	Buffer            int
}

// Channel es el canal en vivo sobre websocket. Mantiene la conexión con un bucle de
// reconexión y envía un heartbeat periódico; ambos timers se cancelan en Disconnect.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clockwork.Clock
	log    *zap.Logger

	msgs      chan domain.RealtimeMessage
	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	writeMu sync.Mutex
}

func NewChannel(cfg Config, clock clockwork.Clock, log *zap.Logger) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Channel{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		clock:  clock,
		log:    log,
		msgs:   make(chan domain.RealtimeMessage, cfg.Buffer),
	}
}

// Connect hace el primer intento de conexión. Si falla devuelve el error, pero el bucle de
// reconexión queda en marcha hasta Disconnect o hasta que se cancele ctx.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrRealtimeNotConnected
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	err := c.dial(runCtx)
	if err != nil {
		c.log.Warn("⚠️ Canal en vivo no disponible, se reintentará", zap.String("url", c.cfg.URL), zap.Error(err))
	}

	c.wg.Add(3)
	go c.run(runCtx, err == nil)
	go c.heartbeat(runCtx)
	go func() {
		defer c.wg.Done()
		<-runCtx.Done()
		c.dropConn(nil)
	}()
	return err
}

// Disconnect cancela los timers, cierra la conexión y cierra Messages. Es idempotente;
// el canal no se puede volver a conectar después.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	c.started = false
	c.closed = true
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.closeOnce.Do(func() { close(c.msgs) })
	return nil
}

func (c *Channel) Messages() <-chan domain.RealtimeMessage {
	return c.msgs
}

func (c *Channel) Send(ctx context.Context, msg domain.RealtimeMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrRealtimeNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(msg)
}

// Connected indica si hay una conexión activa.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	return nil
}

// dropConn cierra la conexión actual. Con only != nil solo la cierra si sigue siendo esa.
func (c *Channel) dropConn(only *websocket.Conn) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || (only != nil && conn != only) {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}

func (c *Channel) run(ctx context.Context, connected bool) {
	defer c.wg.Done()
	for {
		if !connected {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.cfg.ReconnectDelay):
			}
			if err := c.dial(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Debug("Reintento de conexión fallido", zap.Error(err))
				continue
			}
			c.log.Info("🔌 Canal en vivo reconectado", zap.String("url", c.cfg.URL))
		}

		c.readLoop(ctx)
		connected = false
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Warn("⚠️ Conexión en vivo perdida", zap.Error(err))
			}
			c.dropConn(conn)
			return
		}

		utils.UnmarshalAndHandle[domain.RealtimeMessage](c.log, json.RawMessage(data), func(msg domain.RealtimeMessage) {
			select {
			case c.msgs <- msg:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Channel) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			err := c.Send(ctx, domain.RealtimeMessage{Type: domain.MessageTypeHeartbeat})
			if err != nil && err != domain.ErrRealtimeNotConnected {
				c.log.Debug("Heartbeat fallido", zap.Error(err))
			}
		}
	}
}

var _ domain.RealtimeChannel = (*Channel)(nil)
