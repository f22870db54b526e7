package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func TestRequestLogMiddlewareRedactsSecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	prevOut, prevLevel := log.StandardLogger().Out, log.GetLevel()
	log.SetOutput(&buf)
	log.SetLevel(log.InfoLevel)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetLevel(prevLevel)
	})

	r := gin.New()
	r.Use(RequestLogMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping?token=supersecretvalue&cursor=u1", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	out := buf.String()
	if strings.Contains(out, "supersecretvalue") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "cursor=u1") || !strings.Contains(out, "status=204") {
		t.Fatalf("unexpected log line: %s", out)
	}
}
