package wsproxy

import (
	"bufio"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// copyBufferPool mirrors Caddy's bufferPool: pooled 32KiB
// buffers for the two splice directions, avoiding a per-connection
// allocation on every proxied WebSocket session.
var copyBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

func newBufReader(c net.Conn) *bufio.Reader {
	return bufio.NewReader(c)
}

type halfCloser interface {
	CloseWrite() error
}

// splice copies bytes in both directions between client and backend
// until one side is done, propagating a half-close rather than
// tearing down the whole connection: when the client->backend copy
// reaches EOF the backend's write side is half-closed so it can still
// flush a final response, and symmetrically for backend->client. The
// guard is released exactly once after both directions have finished,
// regardless of which one errors first.
func splice(client net.Conn, clientBuf *bufio.ReadWriter, backend net.Conn, backendBuf *bufio.Reader, release func(), log *zap.Logger) {
	defer client.Close()
	defer backend.Close()

	// Flush any bytes the client already sent past the upgrade
	// request that our bufio.ReadWriter buffered during Hijack.
	if clientBuf != nil && clientBuf.Reader.Buffered() > 0 {
		if n := clientBuf.Reader.Buffered(); n > 0 {
			buf, err := clientBuf.Reader.Peek(n)
			if err == nil {
				_, _ = backend.Write(buf)
			}
		}
	}
	// Flush any bytes the backend already sent past the 101 response.
	if backendBuf != nil && backendBuf.Buffered() > 0 {
		if n := backendBuf.Buffered(); n > 0 {
			buf, err := backendBuf.Peek(n)
			if err == nil {
				_, _ = client.Write(buf)
			}
		}
	}

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		pooledCopy(backend, client)
		if hc, ok := backend.(halfCloser); ok {
			if err := hc.CloseWrite(); err != nil {
				log.Debug("half-close to backend failed", zap.Error(err))
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		pooledCopy(client, backend)
		if hc, ok := client.(halfCloser); ok {
			if err := hc.CloseWrite(); err != nil {
				log.Debug("half-close to client failed", zap.Error(err))
			}
		}
	}()

	<-done
	<-done
	release()
}

func pooledCopy(dst io.Writer, src io.Reader) {
	bufp := copyBufferPool.Get().(*[]byte)
	defer copyBufferPool.Put(bufp)
	_, _ = io.CopyBuffer(dst, src, *bufp)
}
