// HTTPS interception: CONNECT handling, TLS termination with minted
// certificates, and the per-connection request loop.
package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/interceptd/interceptd/pkg/flow"
)

// handleConnect intercepts HTTPS CONNECT requests. With a CA configured the
// proxy terminates TLS and runs each request through the interception hooks;
// without one it falls back to a blind tunnel.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if !strings.Contains(host, ":") {
		host += ":443"
	}

	if p.ca == nil {
		p.log.Debug("no CA configured, tunneling", "host", host)
		p.tunnelConnect(w, host)
		return
	}

	hostOnly := stripPort(host)
	certPair, err := p.ca.HostCert(hostOnly)
	if err != nil {
		p.log.Error("minting host certificate", "host", hostOnly, "err", err)
		http.Error(w, "error generating certificate", http.StatusInternalServerError)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.log.Error("hijacking connection", "err", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.log.Error("writing CONNECT response", "err", err)
		_ = clientConn.Close()
		return
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certPair.Cert.Raw},
			PrivateKey:  certPair.Key,
		}},
	}
	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		p.log.Debug("TLS handshake failed", "host", hostOnly, "err", err)
		_ = clientConn.Close()
		return
	}

	p.log.Debug("CONNECT intercepted", "host", host)
	p.serveTLS(tlsClientConn, hostOnly)
}

// serveTLS reads requests off an intercepted TLS connection and runs each one
// through the same flow path as plain HTTP.
func (p *Proxy) serveTLS(clientConn *tls.Conn, hostOnly string) {
	defer func() { _ = clientConn.Close() }()

	reader := bufio.NewReader(clientConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.log.Debug("reading request from TLS connection", "err", err)
			}
			return
		}

		req.URL.Scheme = "https"
		req.URL.Host = hostOnly
		req.Host = hostOnly

		if !p.serveTLSRequest(clientConn, req) {
			return
		}
	}
}

// serveTLSRequest handles one decrypted request. Returns false when the
// connection should be torn down.
func (p *Proxy) serveTLSRequest(clientConn net.Conn, r *http.Request) bool {
	if isControlHost(r.Host) {
		return p.serveControlOnConn(clientConn, r)
	}

	reqBody, err := p.readBody(r.Body)
	_ = r.Body.Close()
	if err != nil {
		p.log.Error("reading TLS request body", "url", r.URL.String(), "err", err)
		writeConnResponse(clientConn, r, errorResponse(http.StatusBadGateway, "error reading request"))
		return false
	}

	res := p.runFlow(r.Context(), r, r.URL.String(), reqBody)
	return writeConnResponse(clientConn, r, res)
}

// serveControlOnConn answers a control-plane request arriving over an
// intercepted TLS connection.
func (p *Proxy) serveControlOnConn(conn net.Conn, r *http.Request) bool {
	rec := newConnRecorder()
	p.control.ServeHTTP(rec, r)
	return writeConnResponse(conn, r, rec.response())
}

// writeConnResponse writes a flow response to a raw connection. Returns false
// on write failure.
func writeConnResponse(conn net.Conn, req *http.Request, res *flow.Response) bool {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	resp := &http.Response{
		StatusCode:    res.StatusCode,
		Status:        http.StatusText(res.StatusCode),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       req,
	}
	return resp.Write(conn) == nil
}

// connRecorder captures a handler's output so it can be replayed onto a raw
// connection.
type connRecorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newConnRecorder() *connRecorder {
	return &connRecorder{status: http.StatusOK, header: http.Header{}}
}

func (r *connRecorder) Header() http.Header { return r.header }

func (r *connRecorder) WriteHeader(status int) { r.status = status }

func (r *connRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *connRecorder) response() *flow.Response {
	return &flow.Response{
		StatusCode: r.status,
		Header:     r.header,
		Body:       r.body.Bytes(),
	}
}

// tunnelConnect blindly relays bytes for CONNECT when MITM is disabled.
func (p *Proxy) tunnelConnect(w http.ResponseWriter, host string) {
	targetConn, err := net.DialTimeout("tcp", host, 30*time.Second)
	if err != nil {
		p.log.Error("connecting to target", "host", host, "err", err)
		http.Error(w, "error connecting to target", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = targetConn.Close()
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.log.Error("hijacking connection", "err", err)
		_ = targetConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		_ = targetConn.Close()
		return
	}

	p.log.Debug("CONNECT tunneled", "host", host)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, clientConn)
		_ = targetConn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, targetConn)
		_ = clientConn.Close()
	}()
	wg.Wait()
}
