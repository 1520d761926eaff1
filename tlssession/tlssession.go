// File: tlssession/tlssession.go
//
// Package tlssession wraps crypto/tls to present the non-blocking,
// step-wise handshake contract spec §4.B describes (Done / WantRead /
// WantWrite), which the stdlib's synchronous Handshake() does not
// expose directly. See SPEC_FULL.md "TLS Session (B)" and DESIGN.md
// for why this bridge exists instead of a literal SSL_do_handshake
// port.
package tlssession

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/arcwire/connpool/api"
)

// HandshakeStatus is the result of one Handshake() step.
type HandshakeStatus int

const (
	HandshakeWantRead HandshakeStatus = iota
	HandshakeWantWrite
	HandshakeDone
)

// Context mirrors the source library's TLSContext: certificate + key,
// shared across every Session the pool creates (ArcObj<TLSContext> in
// spec §9, an ordinary *tls.Config here since Go already reference
// counts it via the garbage collector).
type Context struct {
	tlsCfg *tls.Config
}

// ContextConfig supplies the cert/key/root material. PasswordFunc is
// the re-architected version of the source library's thread-local
// PEM password smuggling (spec §9): a plain callback, not global
// state. When set, NewContext calls it once; the password it returns
// is used only if KeyFile's PEM block is encrypted.
type ContextConfig struct {
	CertFile     string
	KeyFile      string
	RootCAFile   string // optional, for mutual TLS
	PasswordFunc func() []byte
	ClientAuth   tls.ClientAuthType
}

// NewContext loads cert/key (and optional root CA) into a TLS context.
// Loading failures are classified per spec §7's TLS setup kinds.
func NewContext(cfg ContextConfig) (*Context, error) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, api.NewPoolError(api.KindTLSLoadCert, err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, api.NewPoolError(api.KindTLSLoadKey, err)
	}
	if cfg.PasswordFunc != nil {
		keyPEM, err = decryptPEMKey(keyPEM, cfg.PasswordFunc())
		if err != nil {
			return nil, api.NewPoolError(api.KindTLSKey, err)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, api.NewPoolError(api.KindTLSLoadCert, err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   cfg.ClientAuth,
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.RootCAFile != "" {
		pool := x509.NewCertPool()
		der, err := readPEMFile(cfg.RootCAFile)
		if err != nil {
			return nil, api.NewPoolError(api.KindTLSX509, err)
		}
		if !pool.AppendCertsFromPEM(der) {
			return nil, api.NewPoolError(api.KindTLSX509, fmt.Errorf("no certs parsed from %s", cfg.RootCAFile))
		}
		tlsCfg.RootCAs = pool
		tlsCfg.ClientCAs = pool
	}
	if !checkPrivateKey(cert) {
		return nil, api.NewPoolError(api.KindTLSKey, fmt.Errorf("private key does not match certificate"))
	}
	return &Context{tlsCfg: tlsCfg}, nil
}

func checkPrivateKey(cert tls.Certificate) bool {
	// tls.X509KeyPair already validates the pairing internally;
	// this mirrors the source library's explicit check_privkey() call
	// at the boundary so setup failures surface the same way.
	return cert.PrivateKey != nil && len(cert.Certificate) > 0
}

func readPEMFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// decryptPEMKey mirrors the source library's password-protected PEM
// loading (crypto.h's PEM_read_PrivateKey callback): if keyPEM's block
// is encrypted, decrypt it with password and re-encode as plain PEM
// so tls.X509KeyPair can parse it; otherwise it is returned unchanged.
func decryptPEMKey(keyPEM, password []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key")
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy PEM encryption, matches the source format
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, password) //nolint:staticcheck // legacy PEM encryption, matches the source format
	if err != nil {
		return nil, fmt.Errorf("decrypt PEM key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// Session drives one non-blocking TLS handshake and subsequent
// encrypted I/O over fd. It does not own fd.
type Session struct {
	fd     int
	accept bool
	conn   *tls.Conn
	bridge *fdConn

	mu        sync.Mutex
	handshook chan struct{}
	hsErr     error
	hsDone    bool
	wantWrite bool // not updated; Handshake reads the parked direction from bridge.blockedOn()
}

// New constructs a Session. accept selects server-side (Passive) vs
// client-side (Active) handshake role.
func New(ctx *Context, fd int, accept bool) *Session {
	s := &Session{fd: fd, accept: accept, handshook: make(chan struct{})}
	s.bridge = newFDConn(fd)
	if accept {
		s.conn = tls.Server(s.bridge, ctx.tlsCfg)
	} else {
		s.conn = tls.Client(s.bridge, ctx.tlsCfg)
	}
	return s
}

// Start launches the background handshake goroutine. Call once.
func (s *Session) Start() {
	go func() {
		err := s.conn.Handshake()
		s.mu.Lock()
		s.hsErr = err
		s.hsDone = true
		s.mu.Unlock()
		close(s.handshook)
	}()
}

// Handshake reports the current handshake progress without blocking.
// It must be called each time the connection's reactor subscription
// fires during the Handshaking state.
func (s *Session) Handshake() (HandshakeStatus, error) {
	select {
	case <-s.handshook:
		s.mu.Lock()
		err := s.hsErr
		s.mu.Unlock()
		if err != nil {
			return HandshakeWantRead, api.NewPoolError(api.KindTLSGeneric, err)
		}
		return HandshakeDone, nil
	default:
	}
	switch s.bridge.blockedOn() {
	case blockedOnWrite:
		return HandshakeWantWrite, nil
	default:
		return HandshakeWantRead, nil
	}
}

// NotifyReadable/NotifyWritable wake a handshake or data call that is
// parked waiting on that direction. Called from the worker's
// readable/writable reactor callback.
func (s *Session) NotifyReadable() { s.bridge.wakeRead() }
func (s *Session) NotifyWritable() { s.bridge.wakeWrite() }

// SetWriteHooks registers callbacks invoked when a Write first blocks
// on EAGAIN (blocked) and when a previously-blocked Write completes
// (ready). The caller uses these to add/remove the fd's writable
// reactor subscription around the established-phase data loop, which
// otherwise stays read-only and never wakes a parked write.
func (s *Session) SetWriteHooks(blocked, ready func()) {
	s.bridge.onWriteBlocked = blocked
	s.bridge.onWriteReady = ready
}

// Send encrypts and writes application data p. Returns len(p) on
// success; on failure it returns an error, which IsWantWrite
// classifies as would-block or fatal.
func (s *Session) Send(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		if err == errWouldBlock {
			return 0, errWouldBlock
		}
		return n, api.NewPoolError(api.KindTLSGeneric, err)
	}
	return n, nil
}

// Recv reads decrypted application data. n == 0 with a nil error
// means the peer performed a clean TLS close.
func (s *Session) Recv(buf []byte) (int, error) {
	n, err := s.conn.Read(buf)
	if err != nil {
		if err == errWouldBlock {
			return 0, errWouldBlock
		}
		if err == io.EOF {
			return 0, nil
		}
		return n, api.NewPoolError(api.KindTLSGeneric, err)
	}
	return n, nil
}

// IsWantWrite classifies an error returned by Send/Recv as a
// would-block-on-write condition (spec §4.B's WantWrite).
func IsWantWrite(err error) bool { return err == errWouldBlock }

// PeerCertificate returns the peer's end-entity certificate. Valid
// only after Handshake() reports HandshakeDone.
func (s *Session) PeerCertificate() (*api.PeerCertificate, error) {
	state := s.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, api.NewPoolError(api.KindTLSGeneric, fmt.Errorf("no peer certificate"))
	}
	return &api.PeerCertificate{Cert: state.PeerCertificates[0]}, nil
}
