package cancel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

func testProcessor(t *testing.T, mux *http.ServeMux) (*Processor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	cfg := &config.Config{AuthToken: "tok", ConnectTimeout: 5, Timeout: 10}
	tr := transport.New(cfg, zerolog.Nop())
	p := &Processor{Store: action.New(), Transport: tr, Log: zerolog.Nop()}
	return p, srv
}

func TestProcessAcknowledgesCancelWhenIdle(t *testing.T) {
	mux := http.NewServeMux()
	p, srv := testProcessor(t, mux)
	defer srv.Close()

	var feedbackSeen bool
	mux.HandleFunc("/cancelAction", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelAction": {"stopId": "99"}}`))
	})
	mux.HandleFunc("/cancelAction/feedback", func(w http.ResponseWriter, r *http.Request) {
		feedbackSeen = true
		w.Write([]byte(`{}`))
	})

	err := p.Process(context.Background(), srv.URL+"/cancelAction")
	require.NoError(t, err)
	assert.True(t, feedbackSeen)
}

func TestProcessRejectsCancelOnceInstalling(t *testing.T) {
	mux := http.NewServeMux()
	p, srv := testProcessor(t, mux)
	defer srv.Close()

	var feedbackBody []byte
	mux.HandleFunc("/cancelAction", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelAction": {"stopId": "5"}}`))
	})
	mux.HandleFunc("/cancelAction/feedback", func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		feedbackBody = buf
		w.Write([]byte(`{}`))
	})

	p.Store.Lock()
	p.Store.SetIDLocked("5")
	p.Store.AdvanceLocked(action.StateInstalling)
	p.Store.Unlock()

	err := p.Process(context.Background(), srv.URL+"/cancelAction")
	require.Error(t, err)
	assert.Contains(t, string(feedbackBody), "rejected")
}

func TestProcessWaitsForDownloaderToObserveCancel(t *testing.T) {
	mux := http.NewServeMux()
	p, srv := testProcessor(t, mux)
	defer srv.Close()

	mux.HandleFunc("/cancelAction", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelAction": {"stopId": "7"}}`))
	})
	mux.HandleFunc("/cancelAction/feedback", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	p.Store.Lock()
	p.Store.SetIDLocked("7")
	p.Store.AdvanceLocked(action.StateDownloading)
	p.Store.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		p.Store.Lock()
		p.Store.AdvanceLocked(action.StateCanceled)
		p.Store.Unlock()
	}()

	err := p.Process(context.Background(), srv.URL+"/cancelAction")
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, action.StateCanceled, p.Store.State())
}

func TestProcessStaleStopIDForcesReset(t *testing.T) {
	mux := http.NewServeMux()
	p, srv := testProcessor(t, mux)
	defer srv.Close()

	mux.HandleFunc("/cancelAction", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelAction": {"stopId": "old-id"}}`))
	})
	mux.HandleFunc("/cancelAction/feedback", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	p.Store.Lock()
	p.Store.SetIDLocked("current-id")
	p.Store.AdvanceLocked(action.StateSuccess)
	p.Store.Unlock()

	err := p.Process(context.Background(), srv.URL+"/cancelAction")
	require.NoError(t, err)

	id, state := p.Store.Snapshot()
	assert.Equal(t, "", id)
	assert.Equal(t, action.StateNone, state)
}
