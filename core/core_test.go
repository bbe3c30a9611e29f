package core

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/artifact"
	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/installer"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// TestHappyPathDownloadsAndInstalls drives a full poll → deployment →
// download → install cycle against a minimal DDI mock, matching the
// first scenario named in spec.md §8 ("happy path").
func TestHappyPathDownloadsAndInstalls(t *testing.T) {
	const bundle = "bundle-contents"
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/DEFAULT/controller/v1/edge-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"config": {"polling": {"sleep": "00:00:30"}},
			"_links": {"deploymentBase": {"href": "%s/deploymentBase/100"}}
		}`, srv.URL)
	})
	mux.HandleFunc("/deploymentBase/100", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"id": "100",
			"deployment": {
				"download": "attempt",
				"update": "attempt",
				"chunks": [{
					"name": "rootfs",
					"version": "1.0",
					"artifacts": [{
						"filename": "bundle.raucb",
						"size": %d,
						"hashes": {"sha1": "%s"},
						"_links": {"download": {"href": "%s/bundle"}}
					}]
				}]
			}
		}`, len(bundle), sha1Hex(bundle), srv.URL)
	})
	mux.HandleFunc("/bundle", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bundle))
	})
	mux.HandleFunc("/deploymentBase/100/feedback", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	cfg := &config.Config{
		HawkbitServer:  srv.URL[len("http://"):],
		SSL:            false,
		AuthToken:      "tok",
		TargetName:     "DEFAULT",
		ControllerID:   "edge-1",
		ConnectTimeout: 5,
		Timeout:        10,
		RetryWait:      300,
		BundleDownload: filepath.Join(t.TempDir(), "bundle.raucb"),
	}
	tr := transport.New(cfg, zerolog.Nop())
	store := action.New()
	bridge := &installer.LocalBridge{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New(ctx, cfg, store, tr, bridge, zerolog.Nop())

	ok, err := c.Poll.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, bridge.Calls, 1)
	assert.Equal(t, cfg.BundleDownload, bridge.Calls[0].BundlePathOrURL)
	assert.Equal(t, action.StateSuccess, store.State())
}

// TestStartJoinsPreviousWorkerBeforeLaunchingNext guards the "no two
// deployment workers run concurrently" invariant (spec.md §5, §8).
func TestStartJoinsPreviousWorkerBeforeLaunchingNext(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/bundle", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("x"))
	})

	cfg := &config.Config{
		HawkbitServer: srv.URL[len("http://"):], SSL: false, AuthToken: "tok",
		ConnectTimeout: 5, Timeout: 10, BundleDownload: filepath.Join(t.TempDir(), "bundle.raucb"),
	}
	tr := transport.New(cfg, zerolog.Nop())
	store := action.New()
	bridge := &installer.LocalBridge{}
	c := New(context.Background(), cfg, store, tr, bridge, zerolog.Nop())

	art := artifact.Artifact{DownloadURL: srv.URL + "/bundle", SHA1: sha1Hex("x")}
	c.Start(art)
	first := c.done

	store.Lock()
	store.AdvanceLocked(action.StateNone)
	store.Unlock()
	c.Start(art)

	require.NotNil(t, first)
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first worker's done channel was never closed before the second Start returned")
	}
}
