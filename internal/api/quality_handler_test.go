package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/videolify/internal/quality"
	"github.com/mikeyg42/videolify/internal/rtcManager"
)

type fakeCall struct {
	ring *rtcManager.SampleRing
}

func (f fakeCall) Status() rtcManager.Status {
	return rtcManager.Status{
		RoomID:        "lesson-1",
		PeerID:        "alice",
		Negotiation:   "stable",
		ScreenSharing: true,
		Quality:       quality.Metrics{Active: true},
	}
}

func (f fakeCall) Samples() *rtcManager.SampleRing { return f.ring }

func TestQualityHandler(t *testing.T) {
	ring := rtcManager.NewSampleRing(10)
	base := time.Unix(1700000000, 0)
	for i := 1; i <= 3; i++ {
		ring.Add(quality.Sample{At: base.Add(time.Duration(i) * time.Second), BitrateKbps: i * 1000})
	}
	mux := http.NewServeMux()
	NewQualityHandler(fakeCall{ring: ring}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var st rtcManager.Status
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/call/status", &st))
	assert.Equal(t, "stable", st.Negotiation)
	assert.True(t, st.ScreenSharing)

	var m quality.Metrics
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/quality/metrics", &m))
	assert.True(t, m.Active)

	var samples struct {
		Recent  []quality.Sample   `json:"recent"`
		Summary rtcManager.Summary `json:"summary"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/quality/samples?n=2", &samples))
	require.Len(t, samples.Recent, 2)
	assert.Equal(t, 3000, samples.Recent[0].BitrateKbps)
	assert.Equal(t, 3, samples.Summary.Samples)
	assert.Equal(t, 2000, samples.Summary.AvgKbps)

	resp, err := http.Get(srv.URL + "/api/quality/samples?n=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
