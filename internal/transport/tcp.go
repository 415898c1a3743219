package transport

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/logger"
	pkt "github.com/pyr33x/goqttd/internal/packet"
	"github.com/pyr33x/goqttd/pkg/er"
)

// TCPServer is the network acceptor and byte-framing layer: it owns the
// listener, frames raw MQTT packets off each connection's bufio.Reader, and
// hands decoded packets to the broker Engine. It does no protocol-state
// work itself — that is entirely the Engine's responsibility.
type TCPServer struct {
	addr               string
	listener           net.Listener
	engine             *broker.Engine
	authStore          *auth.Store
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a TCPServer listening on addr, backed by a fresh broker Engine
// and an auth store over db.
func New(addr string, db *sql.DB) *TCPServer {
	log := logger.NewMQTTLogger("transport")
	return &TCPServer{
		addr:           addr,
		engine:         broker.NewEngine(logger.NewMQTTLogger("broker")),
		authStore:      auth.New(db),
		log:            log,
		maxConnections: 1000,
	}
}

// Start begins accepting TCP connections until ctx is cancelled.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			srv.log.Info("shutting down accept loop")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

// checkServerAvailability reports a non-empty reason if a new connection
// cannot currently be accepted.
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	var clientID string
	defer func() {
		if clientID != "" {
			srv.engine.HandleDisconnect(clientID)
		}
		conn.Close()
		srv.currentConnections.Add(-1)
		srv.log.LogClientConnection(clientID, conn.RemoteAddr().String(), "closed")
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		srv.log.Info("rejecting connection", logger.String("reason", reason))
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	srv.currentConnections.Add(1)
	srv.log.LogClientConnection("", conn.RemoteAddr().String(), "accepted")

	reader := bufio.NewReader(conn)
	sessionEstablished := false

	for {
		rawPacket, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read error", logger.String("remote_addr", conn.RemoteAddr().String()))
			}
			return
		}

		parsed, err := pkt.Parse(rawPacket)
		if err != nil {
			srv.log.LogError(err, "parse error", logger.String("remote_addr", conn.RemoteAddr().String()))
			srv.sendAndClose(conn, pkt.NewConnAck(false, connackCodeFor(err)))
			return
		}

		if !sessionEstablished {
			connectPacket := parsed.GetConnect()
			if connectPacket == nil {
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
				return
			}

			if connectPacket.UsernameFlag && connectPacket.PasswordFlag {
				if err := srv.authStore.Authenticate(*connectPacket.Username, *connectPacket.Password); err != nil {
					srv.log.LogAuth(connectPacket.ClientID, *connectPacket.Username, false, err.Error())
					srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
					return
				}
				srv.log.LogAuth(connectPacket.ClientID, *connectPacket.Username, true, "")
			}

			_, sessionPresent := srv.engine.Sessions.Get(connectPacket.ClientID)
			if connectPacket.CleanSession {
				sessionPresent = false
			}

			clientID = connectPacket.ClientID
			session := broker.NewClientSession(clientID, conn.RemoteAddr(), conn)
			srv.engine.HandleConnect(session)

			conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
			sessionEstablished = true
			continue
		}

		session, ok := srv.engine.Sessions.Get(clientID)
		if !ok {
			srv.log.LogError(nil, "session vanished mid-connection", logger.ClientID(clientID))
			return
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			srv.engine.HandlePublish(session, parsed.Publish)

		case pkt.PUBACK:
			srv.engine.HandlePubAck(session, parsed.Puback)

		case pkt.PUBREC:
			srv.engine.HandlePubRec(session, parsed.Pubrec)

		case pkt.PUBREL:
			srv.engine.HandlePubRel(session, parsed.Pubrel)

		case pkt.PUBCOMP:
			srv.engine.HandlePubComp(session, parsed.Pubcomp)

		case pkt.SUBSCRIBE:
			suback := srv.engine.HandleSubscribe(session, parsed.Subscribe)
			session.Send(suback.Encode())

		case pkt.UNSUBSCRIBE:
			unsuback := srv.engine.HandleUnsubscribe(session, parsed.Unsubscribe)
			session.Send(unsuback.Encode())

		case pkt.PINGREQ:
			srv.engine.HandlePingReq(session)

		case pkt.DISCONNECT:
			return

		default:
			srv.log.LogError(nil, "unhandled packet type", logger.ClientID(clientID))
			return
		}
	}
}

// readPacket reads one fixed-header-then-remaining-length-then-payload MQTT
// frame off r.
func readPacket(r *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "Transport", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	totalPacketSize := 1 + remLenOffset + remainingLength
	rawPacket := make([]byte, totalPacketSize)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(r, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

// connackCodeFor maps a decode error to the CONNACK return code a client
// expects to see before the connection is closed.
func connackCodeFor(err error) byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.BadUsernameOrPassword
	default:
		return pkt.ServerUnavailable
	}
}

// sendAndClose writes an ACK frame (usually CONNACK) and closes conn.
func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		conn.Write(ack)
	}
	conn.Close()
}
