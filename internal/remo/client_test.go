package remo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appliancesJSON = `[
  {
    "id": "ac-1",
    "type": "AC",
    "nickname": "Living AC",
    "device": {"id": "dev-1", "name": "Living Remo", "serial_number": "1W3200", "firmware_version": "Remo/1.0.62"},
    "settings": {"temp": "24", "temp_unit": "c", "mode": "cool", "vol": "auto", "dir": "swing", "button": ""},
    "aircon": {
      "range": {
        "modes": {
          "cool": {"temp": ["18", "18.5", "19", "30"], "vol": ["auto", "1", "2"], "dir": ["auto", "swing"]},
          "warm": {"temp": ["14", "30"], "vol": ["auto"], "dir": ["auto"]},
          "blow": {"temp": [""], "vol": ["auto", "1"], "dir": ["auto"]}
        },
        "fixedButtons": ["power-off"]
      },
      "tempUnit": "c"
    }
  },
  {
    "id": "meter-1",
    "type": "EL_SMART_METER",
    "nickname": "Smart Meter",
    "device": {"id": "dev-2", "name": "Remo E"},
    "smart_meter": {"echonetlite_properties": [
      {"name": "normal_direction_cumulative_electric_energy", "epc": 224, "val": "1234"},
      {"name": "measured_instantaneous", "epc": 231, "val": "412"}
    ]}
  }
]`

const devicesJSON = `[
  {"id": "dev-1", "name": "Living Remo", "serial_number": "1W3200", "firmware_version": "Remo/1.0.62",
   "newest_events": {"te": {"val": 25.5}, "hu": {"val": 48}, "il": {"val": 120}}},
  {"id": "dev-2", "name": "Remo E"}
]`

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{BaseURL: srv.URL + "/1", AccessToken: "token-abc"})
	require.NoError(t, err)
	return client
}

func TestFetchBuildsSnapshot(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		w.Header().Set("X-Rate-Limit-Limit", "30")
		w.Header().Set("X-Rate-Limit-Remaining", "27")
		w.Header().Set("X-Rate-Limit-Reset", "1700000000")
		switch r.URL.Path {
		case "/1/appliances":
			w.Write([]byte(appliancesJSON))
		case "/1/devices":
			w.Write([]byte(devicesJSON))
		default:
			http.NotFound(w, r)
		}
	})

	snap, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Appliances, 2)
	require.Len(t, snap.Devices, 2)

	ac := snap.Appliances["ac-1"]
	require.NotNil(t, ac.Settings)
	temp, ok := ac.Settings.Temperature()
	assert.True(t, ok)
	assert.Equal(t, 24.0, temp)
	assert.Equal(t, []string{"auto", "swing"}, ac.AirCon.Range.Modes["cool"].Dir)

	power, ok := snap.Appliances["meter-1"].SmartMeter.InstantaneousPower()
	assert.True(t, ok)
	assert.Equal(t, 412.0, power)

	te, ok := snap.Devices["dev-1"].Event(SensorTemperature)
	assert.True(t, ok)
	assert.Equal(t, 25.5, te.Value)
	_, ok = snap.Devices["dev-2"].Event(SensorTemperature)
	assert.False(t, ok)

	rl := client.RateLimit()
	assert.Equal(t, 30, rl.Limit)
	assert.Equal(t, 27, rl.Remaining)
	assert.Equal(t, int64(1700000000), rl.Reset.Unix())
}

func TestUpdateAirConSettingsSendsForm(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/1/appliances/ac-1/aircon_settings", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "warm", r.PostForm.Get("operation_mode"))
		assert.Equal(t, "22", r.PostForm.Get("temperature"))
		_, hasVolume := r.PostForm["air_volume"]
		assert.False(t, hasVolume)
		w.Write([]byte(`{"temp": "22", "mode": "warm", "vol": "auto", "dir": "auto", "button": ""}`))
	})

	settings, err := client.UpdateAirConSettings(context.Background(), "ac-1", AirConParams{OperationMode: "warm", Temperature: "22"})
	require.NoError(t, err)
	assert.Equal(t, "warm", settings.Mode)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		command bool
		check   func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				assert.True(t, errors.As(err, &authErr))
			},
		},
		{
			name:   "throttled",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				require.True(t, errors.As(err, &netErr))
				assert.Equal(t, http.StatusTooManyRequests, netErr.Status)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				assert.True(t, errors.As(err, &netErr))
			},
		},
		{
			name:    "command rejected",
			status:  http.StatusBadRequest,
			command: true,
			check: func(t *testing.T, err error) {
				var rejected *RejectedByDeviceError
				require.True(t, errors.As(err, &rejected))
				assert.Equal(t, "ac-1", rejected.ApplianceID)
			},
		},
		{
			name:   "bad request on poll",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				assert.True(t, errors.As(err, &netErr))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"code":1}`, tt.status)
			})

			var err error
			if tt.command {
				_, err = client.UpdateAirConSettings(context.Background(), "ac-1", AirConParams{Button: ButtonPowerOff})
			} else {
				_, err = client.GetAppliances(context.Background())
			}
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL, AccessToken: "t"})
	require.NoError(t, err)

	err = client.TestConnection(context.Background())
	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient(Options{AccessToken: "  "})
	assert.Error(t, err)
}
