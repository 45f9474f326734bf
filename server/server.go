// Package server implements the connection dispatcher and the per-request
// handlers of the encrypted file-transfer protocol. One accepted connection
// carries exactly one request and one response, then closes; clients never
// wait on a reply that will not arrive, because every decodable connection
// receives either a specific response or the generic error.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"filevault/protocol"
	"filevault/storage"
)

const (
	// PacketSize is the fixed I/O segment size. Requests arrive zero-padded
	// to packet boundaries and responses are written the same way.
	PacketSize = 1024
	// MaxRequestSize bounds a single request frame, header included.
	MaxRequestSize = 10 * 1024 * 1024
	// DefaultReadTimeout bounds how long a stalled client may hold a
	// connection open. Hardening over the base protocol, which has none.
	DefaultReadTimeout = 30 * time.Second

	// ChecksumRetryLimit is the number of checksum confirmation attempts a
	// client is expected to make before sending the give-up request. The
	// server keeps no counter of its own: it accepts any number of
	// crc-invalid requests and exactly one close-out per upload.
	ChecksumRetryLimit = 4
)

// ErrRequestTooLarge indicates a request frame exceeds MaxRequestSize.
var ErrRequestTooLarge = errors.New("server: request exceeds max size")

type handlerFunc func(header protocol.RequestHeader, frame []byte) (response, clientID []byte, err error)

// Options controls dispatcher behavior.
type Options struct {
	// FilesDir is the directory uploaded files are decrypted into.
	FilesDir string
	// ReadTimeout bounds each request read. Zero selects the default;
	// a negative value disables the deadline.
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.ReadTimeout == 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.ReadTimeout < 0 {
		out.ReadTimeout = 0
	}
	return out
}

// Server accepts inbound TCP connections and serves one request on each.
type Server struct {
	listener    net.Listener
	store       *storage.Store
	filesDir    string
	readTimeout time.Duration
	handlers    map[uint16]handlerFunc

	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the address and starts the accept loop. The store is the
// only state shared across connections.
func Listen(address string, store *storage.Store, options Options) (*Server, error) {
	if store == nil {
		return nil, errors.New("server: storage is required")
	}
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:    listener,
		store:       store,
		filesDir:    opts.FilesDir,
		readTimeout: opts.ReadTimeout,
		errs:        make(chan error, 16),
		closed:      make(chan struct{}),
	}
	server.handlers = map[uint16]handlerFunc{
		protocol.RequestRegistration:         server.handleRegistration,
		protocol.RequestSendPublicKey:        server.handleSendPublicKey,
		protocol.RequestSendFile:             server.handleSendFile,
		protocol.RequestCRCValid:             server.handleCRCValid,
		protocol.RequestCRCInvalid:           server.handleCRCInvalid,
		protocol.RequestCRCInvalidFourthTime: server.handleCRCInvalidFourthTime,
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous connection errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, waits for in-flight requests, and closes channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves the single request carried by conn. A failure here
// aborts this connection only; the accept loop keeps serving others.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	frame, err := s.readRequest(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read request from %s: %w", conn.RemoteAddr(), err))
		return
	}

	header, err := protocol.DecodeRequestHeader(frame)
	if err != nil {
		log.Printf("malformed request header from %s: %v", conn.RemoteAddr(), err)
		s.writeResponse(conn, protocol.HeaderOnly(protocol.ResponseGenericError))
		return
	}

	var response, clientID []byte
	if handler, ok := s.handlers[header.Code]; ok {
		response, clientID, err = handler(header, frame)
		if err != nil {
			log.Printf("request %d from %s failed: %v", header.Code, conn.RemoteAddr(), err)
			response = protocol.HeaderOnly(protocol.ResponseGenericError)
		}
	} else {
		log.Printf("unknown request code %d from %s", header.Code, conn.RemoteAddr())
		response = protocol.HeaderOnly(protocol.ResponseGenericError)
	}

	s.writeResponse(conn, response)

	// Last-seen bookkeeping happens after response generation and runs for
	// failed requests too. The only exemption is a header that never parsed.
	if clientID == nil {
		clientID = header.ClientID[:]
	}
	if err := s.store.SetLastSeen(clientID, time.Now().UnixMilli()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("update last seen: %v", err)
	}
}

// readRequest assembles one request frame. The first packet yields the
// header; the declared payload length drives continuation reads, and the
// zero padding that fills out the final packet is trimmed away.
func (s *Server) readRequest(conn net.Conn) ([]byte, error) {
	if s.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	var (
		data  = make([]byte, 0, PacketSize)
		buf   = make([]byte, PacketSize)
		total = -1
	)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}

		if total < 0 && len(data) >= protocol.RequestHeaderSize {
			header, decodeErr := protocol.DecodeRequestHeader(data)
			if decodeErr != nil {
				return nil, decodeErr
			}
			size := int64(protocol.RequestHeaderSize) + int64(header.PayloadSize)
			if size > MaxRequestSize {
				return nil, fmt.Errorf("%w: %d bytes", ErrRequestTooLarge, size)
			}
			total = int(size)
		}
		if total >= 0 && len(data) >= total {
			return data[:total], nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				// Short frame; let the codec report it as malformed.
				return data, nil
			}
			return nil, fmt.Errorf("read request: %w", err)
		}
	}
}

// writeResponse writes data in fixed-size chunks, zero-padding the final
// chunk to the packet boundary. A chunk failure aborts the send; it is
// logged, not retried.
func (s *Server) writeResponse(conn net.Conn, data []byte) {
	for sent := 0; sent < len(data); sent += PacketSize {
		chunk := data[sent:]
		if len(chunk) >= PacketSize {
			chunk = chunk[:PacketSize]
		} else {
			padded := make([]byte, PacketSize)
			copy(padded, chunk)
			chunk = padded
		}

		if _, err := conn.Write(chunk); err != nil {
			log.Printf("write response chunk to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
