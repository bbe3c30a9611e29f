// Package transport implements the HTTP transport (spec.md §4.1): JSON REST
// requests with retry, and range-capable bundle downloads with resume,
// low-speed abort, and digest computation.
//
// Grounded on downloader/utils.go (the teacher's clientForURL/headLink
// pair: a context.WithTimeout request, jsoniter body decoding, a
// per-scheme *http.Client) and downloader/download.go's progressReader (an
// io.Reader wrapper that reports bytes read as they stream past, used here
// both for progress and for the low-speed abort watchdog).
package transport

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/hberr"
)

const maxRedirects = 8

// Transport issues REST requests and bundle downloads against the hawkBit
// server configured in cfg.
type Transport struct {
	cfg    *config.Config
	client *http.Client
	log    zerolog.Logger
}

// New builds a Transport whose clients apply cfg's connect/overall timeout
// and TLS verification policy.
func New(cfg *config.Config, log zerolog.Logger) *Transport {
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.ConnectTimeout) * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig(cfg),
		TLSHandshakeTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
	}
	client := &http.Client{
		Transport: tr,
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Transport{cfg: cfg, client: client, log: log}
}

// RestRequest performs a single JSON REST call. It fails with hberr
// KindHTTP for any non-200 response and KindTransport for any transport
// failure (spec.md §4.1).
func (t *Transport) RestRequest(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(body)
		if err != nil {
			return hberr.Parse(url, err.Error())
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return hberr.Transport(hberr.CodeOther, err.Error(), err)
	}
	req.Header.Set("Authorization", t.cfg.AuthHeader())
	req.Header.Set("Accept", "application/json;charset=UTF-8")
	if body != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	resp, err := t.client.Do(req)
	if err != nil {
		return hberr.Transport(classifyNetError(err), err.Error(), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.log.Debug().Str("request_id", reqID).Int("code", resp.StatusCode).Str("url", url).Msg("non-200 response")
		return hberr.HTTP(resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(respBody, out); err != nil {
			return hberr.Parse(url, err.Error())
		}
	}
	return nil
}

// RestRequestRetriable wraps RestRequest: on http-error{409} or
// http-error{429} it retries with a constant 1s backoff, up to 10 attempts
// total; any other error propagates immediately (spec.md §4.1). All
// feedback POSTs use this wrapper.
func (t *Transport) RestRequestRetriable(ctx context.Context, method, url string, body, out interface{}) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := t.RestRequest(ctx, method, url, body, out)
		if err == nil {
			return struct{}{}, nil
		}
		he, ok := err.(*hberr.Error)
		if !ok || he.Kind != hberr.KindHTTP || (he.Code != 409 && he.Code != 429) {
			return struct{}{}, backoff.Permanent(err)
		}
		t.log.Warn().Int("attempt", attempt).Int("code", he.Code).Str("url", url).Msg("retrying feedback request")
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(10),
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)))
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// DownloadResult carries the outcome of a successful DownloadBundle call.
type DownloadResult struct {
	Digest       string // hex sha1, only set when digest was requested
	AverageSpeed float64 // bytes/s
}

// DownloadBundle downloads url into destPath, resuming from resumeFrom
// bytes already on disk when resumeFrom > 0 (spec.md §4.1). HTTP 200, 206,
// and 416 all count as success; 416 means the file on disk is already
// complete. When wantDigest is set, the sha1 is computed over the whole
// on-disk file after the transfer completes, so a multi-segment resumed
// download still verifies correctly.
func (t *Transport) DownloadBundle(ctx context.Context, url, destPath string, resumeFrom int64, wantDigest bool) (DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DownloadResult{}, hberr.Transport(hberr.CodeOther, err.Error(), err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Authorization", t.cfg.AuthHeader())
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return DownloadResult{}, hberr.Transport(classifyNetError(err), err.Error(), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		// fall through to the body copy below
	case http.StatusRequestedRangeNotSatisfiable:
		return t.finishDownload(destPath, wantDigest, 0, time.Now())
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return DownloadResult{}, hberr.HTTP(resp.StatusCode, string(body))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return DownloadResult{}, &hberr.Error{Kind: hberr.KindTransport, Code: hberr.CodeOther, Message: "filesystem-error: " + err.Error(), Cause: err}
	}
	defer f.Close()

	start := time.Now()
	monitored, cancelWatchdog := t.withLowSpeedWatchdog(ctx, resp.Body)
	defer cancelWatchdog()

	n, copyErr := io.Copy(f, monitored)
	if copyErr != nil {
		if ctx.Err() != nil || errors.Is(copyErr, context.Canceled) {
			return DownloadResult{}, hberr.Transport(hberr.CodeTimeout, "low speed or context deadline", copyErr)
		}
		return DownloadResult{}, hberr.Transport(classifyNetError(copyErr), copyErr.Error(), copyErr)
	}

	return t.finishDownload(destPath, wantDigest, n, start)
}

func (t *Transport) finishDownload(destPath string, wantDigest bool, written int64, start time.Time) (DownloadResult, error) {
	elapsed := time.Since(start).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(written) / elapsed
	}
	result := DownloadResult{AverageSpeed: speed}
	if !wantDigest {
		return result, nil
	}
	digest, err := sha1File(destPath)
	if err != nil {
		return DownloadResult{}, &hberr.Error{Kind: hberr.KindTransport, Code: hberr.CodeOther, Message: "filesystem-error: " + err.Error(), Cause: err}
	}
	result.Digest = digest
	return result, nil
}

// sha1File computes the sha1 of the whole file on disk. This is
// deliberately not incremental over the stream: it is what lets a download
// resumed across several segments verify correctly (spec.md §4.1, §8).
func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// withLowSpeedWatchdog wraps r so that if throughput stays below
// cfg.LowSpeedRate bytes/s for cfg.LowSpeedTime consecutive seconds, the
// returned cancel func is invoked, which a caller driving read from the
// wrapped reader via a cancelable context will observe as a read error.
func (t *Transport) withLowSpeedWatchdog(ctx context.Context, r io.Reader) (io.Reader, context.CancelFunc) {
	if t.cfg.LowSpeedRate <= 0 || t.cfg.LowSpeedTime <= 0 {
		return r, func() {}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	counter := &rateCountingReader{r: r}
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		slowSeconds := 0
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				bytes := counter.sinceLast.Swap(0)
				if bytes < int64(t.cfg.LowSpeedRate) {
					slowSeconds++
				} else {
					slowSeconds = 0
				}
				if slowSeconds >= t.cfg.LowSpeedTime {
					cancel()
					return
				}
			}
		}
	}()
	return &ctxAwareReader{ctx: watchCtx, r: counter}, cancel
}

type rateCountingReader struct {
	r         io.Reader
	sinceLast atomic.Int64
}

func (c *rateCountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sinceLast.Add(int64(n))
	}
	return n, err
}

// ctxAwareReader makes a blocking Read abortable by the watchdog's context:
// once canceled, further reads return the context's error.
type ctxAwareReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxAwareReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func classifyNetError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return hberr.CodeTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return hberr.CodeDNS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return hberr.CodeConnection
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return hberr.CodePartialFile
	}
	return hberr.CodeOther
}
