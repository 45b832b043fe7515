package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/runtime"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
)

type stubService struct {
	status error
}

func (_ *stubService) Start()      {}
func (_ *stubService) Stop() error { return nil }
func (s *stubService) Status() error {
	return s.status
}

func TestHealthz(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	stub := &stubService{}
	require.NoError(t, registry.RegisterService(stub))
	svc := NewService(":0", registry)

	rec := httptest.NewRecorder()
	svc.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, true, strings.Contains(string(body), "stubService: OK"))

	stub.status = errors.New("store unreachable")
	rec = httptest.NewRecorder()
	svc.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body, err = io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, true, strings.Contains(string(body), "ERROR store unreachable"))
}

func TestLogrusCollector_CountsByPrefix(t *testing.T) {
	hook := NewLogrusCollector()

	entry := &logrus.Entry{
		Level: logrus.ErrorLevel,
		Data:  logrus.Fields{"prefix": "scheduler"},
	}
	require.NoError(t, hook.Fire(entry))

	// Entries without a prefix fall into the global bucket.
	require.NoError(t, hook.Fire(&logrus.Entry{Level: logrus.WarnLevel, Data: logrus.Fields{}}))

	assert.Equal(t, 3, len(hook.Levels()))
}
