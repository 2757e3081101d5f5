package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/config"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/registry"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connectCall struct {
	meter     string
	reconnect bool
}

type fakeController struct {
	reads    []apdu.AttributeDescriptor
	connects []connectCall
	value    apdu.Data
	err      error
}

func (f *fakeController) Read(_ context.Context, meter string, attr apdu.AttributeDescriptor) (apdu.Data, error) {
	f.reads = append(f.reads, attr)
	return f.value, f.err
}

func (f *fakeController) ServiceConnect(_ context.Context, meter string, reconnect bool) error {
	f.connects = append(f.connects, connectCall{meter: meter, reconnect: reconnect})
	return f.err
}

func setup(t *testing.T) (*Server, http.Handler, *registry.Registry, *report.Store, *fakeController) {
	t.Helper()
	reg := registry.New(nil)
	store := report.NewStore()
	ctl := &fakeController{value: apdu.NewVisibleString("SIM0001")}
	cfg := config.Config{Port: 8080, Poll: config.PollConfig{TimeoutMillis: 1000}}
	s := New(cfg, reg, store, ctl, nil)
	return s, s.RegisterRoutes(), reg, store, ctl
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	_, h, reg, _, _ := setup(t)
	require.NoError(t, reg.Interpret("small,a,b"))

	rec := do(h, http.MethodGet, "/healthcheck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, 2, resp.Meters)
}

func TestRegisterMeters(t *testing.T) {
	_, h, reg, _, _ := setup(t)

	rec := do(h, http.MethodPost, "/meters", "medium,10.0.0.5,10.0.0.6\n")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payload":"medium","meters":["10.0.0.5","10.0.0.6"]}`, rec.Body.String())
	assert.Equal(t, registry.PayloadMedium, reg.Snapshot().Payload)

	rec = do(h, http.MethodPost, "/meters", "tiny,10.0.0.7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 2, reg.Snapshot().Len())

	rec = do(h, http.MethodGet, "/meters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payload":"medium","meters":["10.0.0.5","10.0.0.6"]}`, rec.Body.String())
}

func TestEmptyMeters(t *testing.T) {
	_, h, _, _, _ := setup(t)
	rec := do(h, http.MethodGet, "/meters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payload":"small","meters":[]}`, rec.Body.String())
}

func TestReadings(t *testing.T) {
	_, h, _, store, _ := setup(t)
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	store.Put(report.Reading{Meter: "10.0.0.5", Data: "SIM0001"}, at)
	store.Put(report.Reading{Meter: "/dev/ttyUSB0", Data: "SIM0002"}, at)

	rec := do(h, http.MethodGet, "/readings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"meter":"/dev/ttyUSB0","data":"SIM0002","time":"2024-05-06T07:08:09Z"},
		{"meter":"10.0.0.5","data":"SIM0001","time":"2024-05-06T07:08:09Z"}
	]`, rec.Body.String())

	rec = do(h, http.MethodGet, "/readings/%2Fdev%2FttyUSB0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"meter":"/dev/ttyUSB0","data":"SIM0002","time":"2024-05-06T07:08:09Z"}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/readings/10.0.0.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadObject(t *testing.T) {
	_, h, _, _, ctl := setup(t)

	rec := do(h, http.MethodGet, "/meters/10.0.0.5:4059/objects/1/0-0:96.1.0*255/2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"meter":"10.0.0.5:4059","data":"SIM0001"}`, rec.Body.String())
	require.Len(t, ctl.reads, 1)
	assert.Equal(t, apdu.AttributeDescriptor{ClassID: 1, Instance: "0-0:96.1.0*255", Attribute: 2}, ctl.reads[0])

	rec = do(h, http.MethodGet, "/meters/10.0.0.5/objects/1/not-an-obis/2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(h, http.MethodGet, "/meters/10.0.0.5/objects/x/0-0:96.1.0*255/2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(h, http.MethodGet, "/meters/10.0.0.5/objects/1/0-0:96.1.0*255/300", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, ctl.reads, 1)
}

func TestConnect(t *testing.T) {
	_, h, _, _, ctl := setup(t)

	rec := do(h, http.MethodPost, "/meters/10.0.0.5/connect?reconnect=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodPost, "/meters/10.0.0.5/connect", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodPost, "/meters/10.0.0.5/connect?reconnect=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []connectCall{{"10.0.0.5", true}, {"10.0.0.5", false}}, ctl.connects)
}

func TestMeterErrors(t *testing.T) {
	_, h, _, _, ctl := setup(t)

	for _, tc := range []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: port", base.ErrInvalidDestination), http.StatusBadRequest},
		{fmt.Errorf("connect: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("association not established"), http.StatusBadGateway},
	} {
		ctl.err = tc.err
		rec := do(h, http.MethodPost, "/meters/10.0.0.5/connect", "")
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestHTTPServer(t *testing.T) {
	s, _, _, _, _ := setup(t)
	srv := s.HTTPServer()
	assert.Equal(t, ":8080", srv.Addr)
	assert.NotNil(t, srv.Handler)
}
