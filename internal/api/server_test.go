package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/aandryashin/matchers"
	. "github.com/aandryashin/matchers/httpresp"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/distributor"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/internal/sessionmap"
	"github.com/example/grid/internal/sessionqueue"
	"github.com/example/grid/pkg/gridapi"
)

const testSecret = "cheddar"

var chrome = data.Capabilities{"browserName": "chrome"}

func newTestServer(t *testing.T, requestTimeout time.Duration, usersFile string, withNode bool) (*httptest.Server, *distributor.LocalDistributor, events.Bus) {
	t.Helper()
	bus := events.NewLocalBus(nil)
	queue := sessionqueue.NewLocalQueue(bus, 10*time.Millisecond, nil)
	sessions := sessionmap.NewLocalMap(bus, time.Minute, nil)
	dist := distributor.NewLocalDistributor(bus, queue, sessions, data.Secret(testSecret), distributor.Options{
		RequestTimeout:      requestTimeout,
		HealthcheckInterval: time.Hour,
	}, nil)

	if withNode {
		n := node.NewBuilder(bus, "node-a", "http://node-a:5555", data.Secret(testSecret), nil).
			Add(chrome, node.NewTestFactory(chrome, "http://node-a:5555")).
			Build()
		if err := dist.Add(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}

	srv := httptest.NewServer(NewServer(dist, sessions, "http://grid.test", usersFile, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		dist.Close()
		sessions.Close()
		bus.Close()
	})
	return srv, dist, bus
}

func sessionPayload(caps data.Capabilities) *bytes.Reader {
	var payload gridapi.NewSessionPayload
	payload.Capabilities.AlwaysMatch = caps
	raw, _ := json.Marshal(payload)
	return bytes.NewReader(raw)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second, "", true)

	rsp, err := http.Get(srv.URL + "/se/grid/distributor/status")
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusOK})

	var status data.DistributorStatus
	AssertThat(t, rsp, IsJson{P: &status})
	AssertThat(t, len(status.Nodes), EqualTo{V: 1})
	AssertThat(t, status.HasCapacity, Is{V: true})
}

func TestCreateSessionOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second, "", true)

	rsp, err := http.Post(srv.URL+"/se/grid/distributor/session", "application/json", sessionPayload(chrome))
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusOK})

	var created gridapi.CreateSessionResponse
	AssertThat(t, rsp, IsJson{P: &created})
	AssertThat(t, created.Value.SessionID == "", Is{V: false})
}

func TestMalformedPayloadIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second, "", true)

	rsp, err := http.Post(srv.URL+"/se/grid/distributor/session", "application/json", bytes.NewReader([]byte("{not json")))
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusBadRequest})

	var wire gridapi.ErrorResponse
	AssertThat(t, rsp, IsJson{P: &wire})
	AssertThat(t, wire.Value.Error, EqualTo{V: "invalid argument"})
}

func TestSessionTimeoutIs408(t *testing.T) {
	srv, _, _ := newTestServer(t, 100*time.Millisecond, "", false)

	rsp, err := http.Post(srv.URL+"/se/grid/distributor/session", "application/json", sessionPayload(chrome))
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusRequestTimeout})

	var wire gridapi.ErrorResponse
	AssertThat(t, rsp, IsJson{P: &wire})
	AssertThat(t, wire.Value.Error, EqualTo{V: "timeout"})
}

func TestRegisterNodeSecretMismatchIs401(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second, "", false)

	reg := gridapi.RegisterNodeRequest{
		Status: data.NodeStatus{
			NodeID:      "node-remote",
			ExternalURI: "http://node-remote:5555",
			Slots:       []data.Slot{{ID: "s1", Stereotype: chrome, State: data.SlotFree}},
		},
		Secret: "wrong",
	}
	raw, _ := json.Marshal(reg)
	rsp, err := http.Post(srv.URL+"/se/grid/distributor/node", "application/json", bytes.NewReader(raw))
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusUnauthorized})
}

func TestRegisterNodeWithCorrectSecret(t *testing.T) {
	srv, dist, _ := newTestServer(t, time.Second, "", false)

	reg := gridapi.RegisterNodeRequest{
		Status: data.NodeStatus{
			NodeID:       "node-remote",
			ExternalURI:  "http://node-remote:5555",
			Availability: data.Up,
			Slots:        []data.Slot{{ID: "s1", Stereotype: chrome, State: data.SlotFree}},
		},
		Secret: testSecret,
	}
	raw, _ := json.Marshal(reg)
	rsp, err := http.Post(srv.URL+"/se/grid/distributor/node", "application/json", bytes.NewReader(raw))
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusOK})
	AssertThat(t, len(dist.GetStatus().Nodes), EqualTo{V: 1})
}

func TestDrainUnknownNodeIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second, "", false)

	rsp, err := http.Post(srv.URL+"/se/grid/distributor/node/ghost/drain", "", nil)
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusNotFound})
}

func TestAdminEndpointsRequireBasicAuth(t *testing.T) {
	usersFile := filepath.Join(t.TempDir(), "users.htpasswd")
	// password: test
	if err := os.WriteFile(usersFile, []byte("admin:{SHA}qUqP5cyxm6YcTAhz05Hph5gvu9M=\n"), 0o600); err != nil {
		t.Fatalf("write users file: %v", err)
	}
	srv, _, _ := newTestServer(t, time.Second, usersFile, true)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/se/grid/distributor/node/node-a", nil)
	rsp, err := http.DefaultClient.Do(req)
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusUnauthorized})

	authed, _ := url.Parse(srv.URL)
	authed.User = url.UserPassword("admin", "test")
	req, _ = http.NewRequest(http.MethodDelete, authed.String()+"/se/grid/distributor/node/node-a", nil)
	rsp, err = http.DefaultClient.Do(req)
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusOK})
}

func TestGridViewExposesSessions(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second, "", true)

	rsp, err := http.Post(srv.URL+"/se/grid/distributor/session", "application/json", sessionPayload(chrome))
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusOK})

	rsp, err = http.Get(srv.URL + "/se/grid/status")
	AssertThat(t, err, Is{V: nil})
	AssertThat(t, rsp, Code{C: http.StatusOK})

	var view struct {
		URI      string `json:"uri"`
		Sessions []struct {
			NodeURI string `json:"nodeUri"`
		} `json:"sessions"`
	}
	AssertThat(t, rsp, IsJson{P: &view})
	AssertThat(t, view.URI, EqualTo{V: "http://grid.test"})
	AssertThat(t, len(view.Sessions), EqualTo{V: 1})
	AssertThat(t, view.Sessions[0].NodeURI, EqualTo{V: "http://node-a:5555"})
}
