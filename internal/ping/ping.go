// Package ping ships app transition records to the update server in
// compressed batches without ever blocking the scheduler.
package ping

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/metrics"
	"github.com/breeze-rmm/updater/internal/network"
)

var log = logging.L("ping")

const (
	defaultBatchInterval = 30 * time.Second
	defaultMaxBatchSize  = 200
	defaultBufferSize    = 1000
	sendTimeout          = 60 * time.Second
)

// Event results, as understood by the update server.
const (
	ResultError         = 0
	ResultSuccess       = 1
	ResultSuccessReboot = 2
	ResultCancelled     = 4
	ResultNoUpdate      = 7
)

// Config configures a Sink.
type Config struct {
	URL            string
	Client         *network.Client
	UpdaterVersion string
	Metrics        *metrics.Metrics

	BatchInterval time.Duration
	MaxBatchSize  int
	BufferSize    int
}

// Sink buffers transition records and posts them in gzip JSON batches. A
// batch that fails is retried once with the next send and then dropped.
type Sink struct {
	cfg      Config
	buffer   chan bundle.Record
	flushReq chan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	dropped atomic.Int64
	sent    atomic.Int64
}

func New(cfg Config) *Sink {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = defaultBatchInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Sink{
		cfg:      cfg,
		buffer:   make(chan bundle.Record, cfg.BufferSize),
		flushReq: make(chan chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start begins the background shipping loop.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop flushes buffered records and stops the loop. Safe to call multiple
// times.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Report enqueues rec. It never blocks; records are dropped when the buffer
// is full.
func (s *Sink) Report(rec bundle.Record) {
	select {
	case s.buffer <- rec:
	default:
		s.drop(1, "buffer full")
	}
}

// Flush ships everything buffered so far and waits for the send to finish.
func (s *Sink) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
	case <-s.stopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many records were discarded.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Sent returns how many records were accepted by the server.
func (s *Sink) Sent() int64 { return s.sent.Load() }

func (s *Sink) drop(n int, reason string) {
	dropped := s.dropped.Add(int64(n))
	s.cfg.Metrics.PingDropped(n)
	if dropped == int64(n) || dropped%100 < int64(n) {
		log.Warn("dropping pings", "reason", reason, "count", n, "totalDropped", dropped)
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]bundle.Record, 0, s.cfg.MaxBatchSize)
	var retry []bundle.Record

	ship := func() {
		if len(batch) == 0 && len(retry) == 0 {
			return
		}
		retry = s.ship(retry, batch)
		batch = batch[:0]
	}
	add := func(rec bundle.Record) {
		batch = append(batch, rec)
		if len(batch) >= s.cfg.MaxBatchSize {
			ship()
		}
	}

	for {
		select {
		case <-s.stopChan:
		drain:
			for {
				select {
				case rec := <-s.buffer:
					add(rec)
				default:
					break drain
				}
			}
			ship()
			if len(retry) > 0 {
				s.drop(len(retry), "shutdown")
			}
			return

		case rec := <-s.buffer:
			add(rec)

		case done := <-s.flushReq:
		pending:
			for {
				select {
				case rec := <-s.buffer:
					add(rec)
				default:
					break pending
				}
			}
			ship()
			close(done)

		case <-ticker.C:
			ship()
		}
	}
}

// ship sends retry and batch together. On failure the fresh records are
// returned for one more attempt and the already-retried ones are dropped.
func (s *Sink) ship(retry, batch []bundle.Record) []bundle.Record {
	records := make([]bundle.Record, 0, len(retry)+len(batch))
	records = append(records, retry...)
	records = append(records, batch...)

	err := s.send(records)
	if err == nil {
		s.sent.Add(int64(len(records)))
		return nil
	}

	log.Warn("ping batch failed", "records", len(records), logging.KeyError, err)
	if len(retry) > 0 {
		s.drop(len(retry), "retry failed")
	}
	return append([]bundle.Record(nil), batch...)
}

func (s *Sink) send(records []bundle.Record) error {
	payload, err := json.Marshal(Build(records, s.cfg.UpdaterVersion))
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return fmt.Errorf("gzip ping: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip ping: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_, err = s.cfg.Client.Do(ctx, &network.Request{
		Method: http.MethodPost,
		URL:    s.cfg.URL,
		Header: http.Header{
			"Content-Type":     {"application/json"},
			"Content-Encoding": {"gzip"},
		},
		Body: buf.Bytes(),
	})
	return err
}

// Request is the ping document.
type Request struct {
	Request Body `json:"request"`
}

type Body struct {
	Protocol       string `json:"protocol"`
	RequestID      string `json:"requestid"`
	UpdaterVersion string `json:"updaterversion,omitempty"`
	Apps           []App  `json:"app"`
}

type App struct {
	AppID  string  `json:"appid"`
	Events []Event `json:"event"`
}

type Event struct {
	Type          string `json:"eventtype"`
	Result        int    `json:"eventresult"`
	ErrorKind     string `json:"errorkind,omitempty"`
	ErrorCode     int    `json:"errorcode,omitempty"`
	Version       string `json:"version,omitempty"`
	SessionID     string `json:"sessionid"`
	BundleID      string `json:"bundleid"`
	InstallSource string `json:"installsource,omitempty"`
	Transports    string `json:"transports,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Build groups records by app, keeping their order.
func Build(records []bundle.Record, updaterVersion string) Request {
	req := Request{Request: Body{
		Protocol:       "3.1",
		RequestID:      uuid.NewString(),
		UpdaterVersion: updaterVersion,
	}}
	index := make(map[string]int)
	for _, rec := range records {
		i, ok := index[rec.AppID]
		if !ok {
			i = len(req.Request.Apps)
			index[rec.AppID] = i
			req.Request.Apps = append(req.Request.Apps, App{AppID: rec.AppID})
		}
		req.Request.Apps[i].Events = append(req.Request.Apps[i].Events, eventFor(rec))
	}
	return req
}

func eventFor(rec bundle.Record) Event {
	ev := Event{
		Type:          rec.To.String(),
		Result:        ResultSuccess,
		Version:       rec.Version,
		SessionID:     rec.SessionID,
		BundleID:      rec.BundleID,
		InstallSource: string(rec.Source),
		Timestamp:     rec.At.UTC().Format(time.RFC3339),
	}
	switch rec.To {
	case bundle.StateError:
		ev.Result = ResultError
	case bundle.StateCancelled:
		ev.Result = ResultCancelled
	case bundle.StateNoUpdateAvailable:
		ev.Result = ResultNoUpdate
	case bundle.StateInstallComplete:
		if rec.RebootRequired {
			ev.Result = ResultSuccessReboot
		}
	}
	if rec.Error != nil {
		ev.ErrorKind = rec.Error.Kind.String()
		ev.ErrorCode = rec.Error.Code
		ev.Transports = strings.Join(rec.Error.Transports, ",")
	}
	return ev
}
