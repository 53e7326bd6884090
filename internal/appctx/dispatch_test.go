package appctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dws-network/dws-core/ingress"
	"github.com/dws-network/dws-core/p2p/discover"
	"github.com/dws-network/dws-core/p2p/peerstore"
)

type stubDialer struct{}

func (stubDialer) Ping(ctx context.Context, addr string) (float64, error) { return 1, nil }
func (stubDialer) FetchInfo(ctx context.Context, addr string) (discover.NodeInfo, error) {
	return discover.NodeInfo{}, nil
}
func (stubDialer) FetchPeers(ctx context.Context, addr string, limit int, service string) ([]discover.PeerSummary, error) {
	return nil, nil
}
func (stubDialer) PutRecord(ctx context.Context, addr string, rec discover.Record) error { return nil }
func (stubDialer) GetRecord(ctx context.Context, addr string, key string) (discover.Record, bool, error) {
	return discover.Record{}, false, nil
}

func TestWorkloadDispatcherForwardsToBestPeer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/forward", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	store := peerstore.New(peerstore.Config{})
	_, err := store.AddPeer(peerstore.PeerInfo{PeerID: "QmWorker", Services: []string{"render"}, Addresses: []string{backend.URL}})
	require.NoError(t, err)

	table := discover.NewTable("self")
	disc := discover.New(discover.Config{SelfID: "self", Table: table, Dialer: stubDialer{}, Store: store})
	disc.Dial(context.Background(), "QmWorker", backend.URL)

	dispatcher := newWorkloadDispatcher(disc, store)
	req := httptest.NewRequest(http.MethodGet, "http://ingress.local/v1/render", nil)

	status, body, contentType, err := dispatcher.Dispatch(context.Background(), ingress.Backend{Type: ingress.BackendService, Target: "render"}, "/forward", req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", string(body))
	require.Equal(t, "text/plain", contentType)
}

func TestWorkloadDispatcherErrorsWithNoConnectedPeer(t *testing.T) {
	store := peerstore.New(peerstore.Config{})
	table := discover.NewTable("self")
	disc := discover.New(discover.Config{SelfID: "self", Table: table, Dialer: stubDialer{}, Store: store})

	dispatcher := newWorkloadDispatcher(disc, store)
	req := httptest.NewRequest(http.MethodGet, "http://ingress.local/v1/render", nil)

	_, _, _, err := dispatcher.Dispatch(context.Background(), ingress.Backend{Type: ingress.BackendService, Target: "render"}, "/forward", req)
	require.Error(t, err)
}

func TestStaticDispatcherReturnsNotImplemented(t *testing.T) {
	var d staticDispatcher
	req := httptest.NewRequest(http.MethodGet, "http://ingress.local/asset", nil)

	status, _, contentType, err := d.Dispatch(context.Background(), ingress.Backend{Type: ingress.BackendStatic, Target: "asset"}, "/asset", req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotImplemented, status)
	require.Equal(t, "text/plain", contentType)
}
