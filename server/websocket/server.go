package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/castlab/castrelay/model"
	"github.com/castlab/castrelay/relay"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// RelayService handles room protocol operations for one connection.
	// Identity is always the live connection object, never a
	// client-supplied id.
	RelayService interface {
		CreateRoom(conn model.Connection)
		JoinRoom(conn model.Connection, roomID string)
		PushContent(conn model.Connection, roomID, kind, value string)
		ClearContent(conn model.Connection, roomID string)
		CloseRoom(conn model.Connection, roomID string)
		Disconnect(conn model.Connection)
		Forward(src model.Connection, raw []byte)
	}

	Config struct {
		Logger     *zerolog.Logger
		Service    RelayService
		Relay      *relay.Relay
		ListenAddr string
		ReadLimit  int64
		SendBuffer int
	}

	Server struct {
		svc        RelayService
		table      *relay.Relay
		ws         *websocket.Upgrader
		readLimit  int64
		sendBuffer int
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:     cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:        cfg.Service,
		table:      cfg.Relay,
		readLimit:  cfg.ReadLimit,
		sendBuffer: cfg.SendBuffer,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.readLimit <= 0 {
		srv.readLimit = defaultWebSocketMaxMessageSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.attach)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Handler exposes the mux so tests can mount the server on httptest.
func (srv *Server) Handler() http.Handler {
	return srv.Server.Handler
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) attach(w http.ResponseWriter, r *http.Request) {
	wsConn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := relay.NewConn(srv.sendBuffer)
	srv.table.Add(conn)

	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context
	go srv.handleWSConn(ctx, cancel, wsConn, conn)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	wsConn *websocket.Conn,
	conn *relay.Conn,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().Str("connID", conn.ID()).Logger()

	wg.Add(2)
	go func() {
		srv.receiver(ctx, wg, wsConn, conn, &logger)
		cancel()
	}()
	go func() {
		sender(ctx, wg, wsConn, conn.TX(), &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(wsConn, &logger)
	srv.table.Remove(conn)
	srv.svc.Disconnect(conn)
	logger.Debug().Msg("connection cleaned up")
}

func (srv *Server) receiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	wsConn *websocket.Conn,
	conn *relay.Conn,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	wsConn.SetReadLimit(srv.readLimit)
	readDeadLineFunc := func(deadline time.Duration) error {
		return wsConn.SetReadDeadline(time.Now().Add(deadline))
	}
	wsConn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, raw, wsErr := wsConn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			srv.dispatch(conn, raw, logger)
		}
	}
}

// dispatch routes one inbound frame. Malformed frames (non-JSON, empty
// type) are dropped without a reply so the relay never echoes garbage
// back. Room protocol types go to the service; everything else is the
// legacy global channel and travels verbatim to every other socket.
func (srv *Server) dispatch(conn *relay.Conn, raw []byte, logger *zerolog.Logger) {
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debug().Err(err).Msg("dropped malformed frame")
		return
	}
	if msg.Type == "" {
		logger.Debug().Msg("dropped frame without type")
		return
	}
	if e := logger.Trace(); e.Enabled() {
		e.Str("frame", spew.Sdump(msg)).Msg("frame received")
	}

	if !model.IsRoomProtocol(msg.Type) {
		srv.svc.Forward(conn, raw)
		return
	}

	switch msg.Type {
	case model.TypeCreateRoom:
		srv.svc.CreateRoom(conn)
	case model.TypeJoinRoom:
		srv.svc.JoinRoom(conn, msg.RoomID)
	case model.TypePushContent:
		if msg.Content == nil {
			logger.Debug().Msg("dropped push without content")
			return
		}
		srv.svc.PushContent(conn, msg.RoomID, msg.Content.Kind, msg.Content.Value)
	case model.TypeClearContent:
		srv.svc.ClearContent(conn, msg.RoomID)
	case model.TypeCloseRoom:
		srv.svc.CloseRoom(conn, msg.RoomID)
	}
}

func sender(
	ctx context.Context,
	wg *sync.WaitGroup,
	wsConn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = wsConn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case data, ok := <-tx:
			if !ok {
				break SendLoop
			}

			wsErr := wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = wsConn.WriteMessage(websocket.TextMessage, data)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write close frame")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
