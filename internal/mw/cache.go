package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// cacheHeader tells clients whether a response was replayed.
const cacheHeader = "X-Cache"

// snapshot is a stored 2xx response.
type snapshot struct {
	status int
	header http.Header
	body   []byte
}

func (s snapshot) replay(w gin.ResponseWriter) {
	dst := w.Header()
	for k, v := range s.header {
		dst[k] = v
	}
	dst.Set(cacheHeader, "HIT")
	w.WriteHeader(s.status)
	_, _ = w.Write(s.body)
}

// teeWriter copies everything the handler writes into buf.
type teeWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *teeWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache replays successful GET responses from store for ttl. Entries are
// keyed by the request URI including the query; callers flush the store when
// machine state changes.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		if v, ok := store.Get(key); ok {
			v.(snapshot).replay(c.Writer)
			c.Abort()
			return
		}

		tee := &teeWriter{ResponseWriter: c.Writer}
		c.Writer = tee
		c.Header(cacheHeader, "MISS")
		c.Next()

		status := tee.Status()
		if status < 200 || status >= 300 {
			return
		}
		header := tee.Header().Clone()
		header.Del(cacheHeader)
		store.Set(key, snapshot{status: status, header: header, body: bytes.Clone(tee.buf.Bytes())}, ttl)
	}
}
