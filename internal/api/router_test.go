package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telemetry-gateway/internal/api/middleware"
	"telemetry-gateway/internal/credentials"
	"telemetry-gateway/internal/directory"
	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleDevice = "545ffcb0-ab9c-11f0-a05e-97f672464deb"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream plays both the telemetry platform and the device directory
type fakeUpstream struct {
	server *httptest.Server

	logins      atomic.Int32
	refreshes   atomic.Int32
	dataCalls   atomic.Int32
	deviceCalls atomic.Int32
	issued      atomic.Int32

	mu             sync.Mutex
	reject401      int  // upcoming data calls answered with 401
	always401      bool // every data call answered with 401
	dataStatus     int  // non-zero overrides the data response status
	dataBody       string
	directoryFails bool
	lastDataPath   string
	lastDataQuery  string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username != "tenant@example.com" || body.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.writeTokens(w)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshes.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer refresh-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.writeTokens(w)
	})
	mux.HandleFunc("/api/plugins/telemetry/", func(w http.ResponseWriter, r *http.Request) {
		f.dataCalls.Add(1)

		f.mu.Lock()
		f.lastDataPath = r.URL.Path
		f.lastDataQuery = r.URL.RawQuery
		unauthorized := f.always401 || f.reject401 > 0
		if f.reject401 > 0 {
			f.reject401--
		}
		status, body := f.dataStatus, f.dataBody
		f.mu.Unlock()

		if unauthorized || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer access-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			w.Write([]byte(body))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"temperature": [{"ts": 1705689600000, "value": "21.5"}, {"ts": 1705693200000, "value": "21.7"}],
			"humidity": [{"ts": 1705689600000, "value": "40"}, {"ts": 1705693200000, "value": "42"}]
		}`))
	})
	mux.HandleFunc("/customer/devices", func(w http.ResponseWriter, r *http.Request) {
		f.deviceCalls.Add(1)

		f.mu.Lock()
		fails := f.directoryFails
		f.mu.Unlock()

		if fails {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"success":true,"data":[{"deviceUUID":"` + exampleDevice + `","accessToken":"device-secret","name":"Greenhouse","location":"north"}],"count":1}`))
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) writeTokens(w http.ResponseWriter) {
	n := f.issued.Add(1)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"token":"access-%d","refreshToken":"refresh-%d"}`, n, n)
}

func (f *fakeUpstream) totalCalls() int32 {
	return f.logins.Load() + f.refreshes.Load() + f.dataCalls.Load() + f.deviceCalls.Load()
}

func (f *fakeUpstream) configure(fn func(f *fakeUpstream)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type gateway struct {
	router   *gin.Engine
	upstream *fakeUpstream
	manager  *credentials.Manager
}

func newGateway(t *testing.T, adminKey string) *gateway {
	t.Helper()
	up := newFakeUpstream(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	manager := credentials.NewManager(credentials.Config{
		BaseURL:  up.server.URL,
		Username: "tenant@example.com",
		Password: "hunter2",
		Timeout:  2 * time.Second,
	}, up.server.Client(), logger)
	t.Cleanup(manager.Close)

	executor := telemetry.NewExecutor(telemetry.Config{
		BaseURL:      up.server.URL,
		Timeout:      2 * time.Second,
		RetryBackoff: time.Millisecond,
	}, manager, up.server.Client(), logger)

	devices := directory.NewCache(
		directory.NewClient(directory.Config{BaseURL: up.server.URL}, up.server.Client()),
		time.Minute,
		logger,
	)

	router := NewRouter(RouterConfig{
		Devices:       devices,
		TimeSeries:    logging.NewTimeSeriesLogger(executor, logger),
		Credentials:   manager,
		AdminKey:      adminKey,
		AllowedOrigin: "http://localhost:5173",
		Logger:        logger,
	})

	return &gateway{router: router, upstream: up, manager: manager}
}

func (g *gateway) get(path string, headers ...string) *httptest.ResponseRecorder {
	return g.do(http.MethodGet, path, headers...)
}

func (g *gateway) do(method, path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

type timeSeriesResponse struct {
	Success bool                          `json:"success"`
	Data    map[string][]telemetry.Sample `json:"data"`
	Device  map[string]string             `json:"device"`
	Meta    map[string]interface{}        `json:"meta"`
	Error   string                        `json:"error"`
	Code    string                        `json:"code"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) timeSeriesResponse {
	t.Helper()
	var resp timeSeriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHealth(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Zero(t, g.upstream.totalCalls())
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDKey))
}

func TestDeviceTimeSeries_Example(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/" + exampleDevice + "/timeseries?keys=temperature,humidity&startTs=1705689600000&endTs=1705776000000&orderBy=asc")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.True(t, resp.Success)
	require.Contains(t, resp.Data, "temperature")
	require.Contains(t, resp.Data, "humidity")
	for key, samples := range resp.Data {
		for i := 1; i < len(samples); i++ {
			assert.LessOrEqual(t, samples[i-1].Ts, samples[i].Ts, key)
		}
	}

	assert.Equal(t, map[string]string{"deviceUUID": exampleDevice, "name": "Greenhouse"}, resp.Device)
	assert.Equal(t, "DEVICE", resp.Meta["entityType"])
	assert.Equal(t, exampleDevice, resp.Meta["entityId"])
	assert.Equal(t, "ASC", resp.Meta["orderBy"])
	assert.Equal(t, float64(4), resp.Meta["count"])
	assert.NotContains(t, resp.Meta, "agg")

	g.upstream.mu.Lock()
	assert.Equal(t, "/api/plugins/telemetry/DEVICE/"+exampleDevice+"/values/timeseries", g.upstream.lastDataPath)
	assert.Contains(t, g.upstream.lastDataQuery, "keys=temperature%2Chumidity")
	assert.Contains(t, g.upstream.lastDataQuery, "orderBy=ASC")
	g.upstream.mu.Unlock()

	assert.Equal(t, int32(1), g.upstream.logins.Load())
	assert.Zero(t, g.upstream.refreshes.Load())
	assert.NotContains(t, w.Body.String(), "access-")
	assert.NotContains(t, w.Body.String(), "device-secret")
}

func TestDeviceTimeSeries_InvalidInputMakesNoUpstreamCalls(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing keys", "startTs=1&endTs=2"},
		{"missing startTs", "keys=temperature&endTs=2"},
		{"missing endTs", "keys=temperature&startTs=1"},
		{"start equals end", "keys=temperature&startTs=5&endTs=5"},
		{"start after end", "keys=temperature&startTs=9&endTs=5"},
		{"blank keys", "keys=%20,%20&startTs=1&endTs=2"},
		{"non-numeric start", "keys=temperature&startTs=yesterday&endTs=2"},
		{"zero interval", "keys=temperature&startTs=1&endTs=2&interval=0"},
		{"unknown agg", "keys=temperature&startTs=1&endTs=2&agg=MEDIAN"},
		{"unknown order", "keys=temperature&startTs=1&endTs=2&orderBy=UP"},
		{"negative limit", "keys=temperature&startTs=1&endTs=2&limit=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, "")

			w := g.get("/telemetry/" + exampleDevice + "/timeseries?" + tt.query)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, "VALIDATION_ERROR", resp.Code)
			assert.NotEmpty(t, resp.Error)
			assert.Zero(t, g.upstream.totalCalls())
		})
	}
}

func TestDeviceTimeSeries_UnknownDevice(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/00000000-0000-0000-0000-000000000000/timeseries?keys=temperature&startTs=1&endTs=2")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w).Code)
	assert.Zero(t, g.upstream.dataCalls.Load())
}

func TestDeviceTimeSeries_RecoversFromRejectedToken(t *testing.T) {
	g := newGateway(t, "")
	g.upstream.configure(func(f *fakeUpstream) { f.reject401 = 1 })

	w := g.get("/telemetry/" + exampleDevice + "/timeseries?keys=temperature&startTs=1&endTs=2")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), g.upstream.refreshes.Load())
	assert.Equal(t, int32(2), g.upstream.dataCalls.Load())
}

func TestDeviceTimeSeries_PersistentUnauthorized(t *testing.T) {
	g := newGateway(t, "")
	g.upstream.configure(func(f *fakeUpstream) { f.always401 = true })

	w := g.get("/telemetry/" + exampleDevice + "/timeseries?keys=temperature&startTs=1&endTs=2")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "UPSTREAM_ERROR", decode(t, w).Code)
	assert.Equal(t, int32(3), g.upstream.refreshes.Load())
	assert.Equal(t, int32(4), g.upstream.dataCalls.Load())
}

func TestDeviceTimeSeries_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   int
		code   string
	}{
		{"entity not found", http.StatusNotFound, ``, http.StatusNotFound, "NOT_FOUND"},
		{"bad request", http.StatusBadRequest, `{"message":"Invalid interval"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"server error", http.StatusInternalServerError, `oops`, http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"null body", http.StatusOK, `null`, http.StatusBadGateway, "UPSTREAM_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, "")
			g.upstream.configure(func(f *fakeUpstream) {
				f.dataStatus = tt.status
				f.dataBody = tt.body
			})

			w := g.get("/telemetry/" + exampleDevice + "/timeseries?keys=temperature&startTs=1&endTs=2")

			assert.Equal(t, tt.want, w.Code)
			resp := decode(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Code)
			assert.Zero(t, g.upstream.refreshes.Load())
			assert.Equal(t, int32(1), g.upstream.dataCalls.Load())
		})
	}
}

func TestTimeSeries_Legacy(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/timeseries?entityType=asset&entityId=a1&keys=temperature&startTs=1&endTs=2&useStrictDataTypes=TRUE")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Device)
	assert.Equal(t, "ASSET", resp.Meta["entityType"])
	assert.Equal(t, true, resp.Meta["useStrictDataTypes"])
	assert.Zero(t, g.upstream.deviceCalls.Load())

	g.upstream.mu.Lock()
	assert.Equal(t, "/api/plugins/telemetry/ASSET/a1/values/timeseries", g.upstream.lastDataPath)
	assert.Contains(t, g.upstream.lastDataQuery, "useStrictDataTypes=true")
	g.upstream.mu.Unlock()
}

func TestTimeSeries_LegacyDefaultsToDevice(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/timeseries?entityId=d1&keys=temperature&startTs=1&endTs=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "DEVICE", resp.Meta["entityType"])

	g.upstream.mu.Lock()
	assert.Equal(t, "/api/plugins/telemetry/DEVICE/d1/values/timeseries", g.upstream.lastDataPath)
	g.upstream.mu.Unlock()
}

func TestTimeSeries_LegacyRequiresEntityID(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/timeseries?entityType=DEVICE&keys=temperature&startTs=1&endTs=2")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w).Code)
	assert.Zero(t, g.upstream.totalCalls())
}

func TestListDevices(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/devices")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                     `json:"success"`
		Data    []map[string]interface{} `json:"data"`
		Count   int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, exampleDevice, resp.Data[0]["deviceUUID"])
	assert.Equal(t, "north", resp.Data[0]["location"])
	assert.NotContains(t, w.Body.String(), "device-secret")

	g.get("/telemetry/devices")
	assert.Equal(t, int32(1), g.upstream.deviceCalls.Load())

	g.get("/telemetry/devices?refresh=true")
	assert.Equal(t, int32(2), g.upstream.deviceCalls.Load())
}

func TestListDevices_DirectoryFailure(t *testing.T) {
	g := newGateway(t, "")
	g.upstream.configure(func(f *fakeUpstream) { f.directoryFails = true })

	w := g.get("/telemetry/devices")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.NotEmpty(t, resp["error"])
}

func TestCompression(t *testing.T) {
	g := newGateway(t, "")

	w := g.get("/telemetry/"+exampleDevice+"/timeseries?keys=temperature,humidity&startTs=1&endTs=2", "Accept-Encoding", "gzip")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestAdminRoutes(t *testing.T) {
	t.Run("not registered without key", func(t *testing.T) {
		g := newGateway(t, "")

		w := g.get("/admin/credential/status")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("requires key", func(t *testing.T) {
		g := newGateway(t, "ops-key")

		w := g.get("/admin/credential/status")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("status and forced refresh", func(t *testing.T) {
		g := newGateway(t, "ops-key")

		w := g.get("/admin/credential/status", middleware.AdminKeyHeader, "ops-key")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"unauthenticated"`)

		w = g.do(http.MethodPost, "/admin/credential/refresh", middleware.AdminKeyHeader, "ops-key")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"valid"`)
		assert.NotContains(t, w.Body.String(), "access-")
		assert.NotContains(t, w.Body.String(), "refresh-")
		assert.Equal(t, int32(1), g.upstream.logins.Load())

		w = g.do(http.MethodPost, "/admin/credential/refresh", middleware.AdminKeyHeader, "ops-key")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int32(1), g.upstream.refreshes.Load())
	})
}
