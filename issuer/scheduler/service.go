// Package scheduler drives the issuance pipeline. Five polling loops plus
// an external signature intake move jobs from Pending through generation,
// signing, Merkle finalization, on-chain anchoring, QR artifact creation
// and PDF augmentation. All cross-stage state lives in the store; loops
// communicate through conditional writes only.
package scheduler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/augment"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/render"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/storage"
)

var log = logrus.WithField("prefix", "scheduler")

const (
	// errorBackoff is the pause after a failed tick before the next poll.
	errorBackoff = 5 * time.Second
	// drainTimeout bounds how long Stop waits for in-flight generation.
	drainTimeout = 30 * time.Second
	// claimLimit caps how many Pending jobs one generate tick claims.
	claimLimit = 16
	// queryLimit caps batch-shaped queries per tick.
	queryLimit = 32
)

// DefaultPDFConcurrency bounds parallel certificate rendering.
const DefaultPDFConcurrency = 2

// Anchorer submits an ultimate Merkle root to the anchoring contract,
// waits for the transaction to be mined and reports where it landed.
type Anchorer interface {
	AnchorRoot(ctx context.Context, timeWindow *big.Int, root [32]byte) (*anchor.Result, error)
}

// Intervals holds the per-loop polling periods.
type Intervals struct {
	Generate     time.Duration
	Intermediate time.Duration
	Ultimate     time.Duration
	QR           time.Duration
	Augment      time.Duration
}

func (i Intervals) withDefaults() Intervals {
	def := func(d *time.Duration, fallback time.Duration) {
		if *d <= 0 {
			*d = fallback
		}
	}
	def(&i.Generate, 2*time.Second)
	def(&i.Intermediate, 5*time.Second)
	def(&i.Ultimate, 10*time.Second)
	def(&i.QR, 5*time.Second)
	def(&i.Augment, 5*time.Second)
	return i
}

// Config wires the scheduler's collaborators.
type Config struct {
	Store    db.Store
	Storage  storage.Storage
	Renderer render.Renderer
	// Anchor may be nil; batches then park in the awaiting-anchor state
	// until an anchorer is configured.
	Anchor  Anchorer
	Network string

	// IssuerID and IssuerPublicKey are the process-wide fallbacks used
	// when neither the batch nor its tenant carries them.
	IssuerID        string
	IssuerPublicKey string

	// VerifyBaseURL enables the short jobId verification link. When a
	// separate VerifyQRBaseURL is set, QR links are built against it.
	VerifyBaseURL   string
	VerifyQRBaseURL string

	QR augment.QROptions
	// PDFQRWidth overrides the QR pixel width used inside augmented PDFs.
	PDFQRWidth int

	Intervals      Intervals
	PDFConcurrency int
}

// Service runs the issuance loops. It implements runtime.Service.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	loops sync.WaitGroup

	// renders tracks in-flight generation work for the shutdown drain.
	renders sync.WaitGroup
	sem     chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService validates the configuration and prepares the loops.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil || cfg.Store == nil || cfg.Storage == nil || cfg.Renderer == nil {
		return nil, errors.New("store, storage and renderer are required")
	}
	conc := cfg.PDFConcurrency
	if conc <= 0 {
		conc = DefaultPDFConcurrency
	}
	cfg.Intervals = cfg.Intervals.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, conc),
		inflight: make(map[string]struct{}),
	}, nil
}

// Start spawns one goroutine per loop.
func (s *Service) Start() {
	log.WithField("pdfConcurrency", cap(s.sem)).Info("Starting issuance scheduler")
	s.spawn("generate", s.cfg.Intervals.Generate, s.tickGenerate)
	s.spawn("intermediate", s.cfg.Intervals.Intermediate, s.tickIntermediate)
	s.spawn("ultimate", s.cfg.Intervals.Ultimate, s.tickUltimate)
	s.spawn("qr", s.cfg.Intervals.QR, s.tickQR)
	s.spawn("augment", s.cfg.Intervals.Augment, s.tickAugment)
}

// Stop cancels every loop and waits up to the drain timeout for in-flight
// generation work.
func (s *Service) Stop() error {
	log.Info("Stopping issuance scheduler")
	s.cancel()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.renders.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn("Generation drain timed out; abandoning in-flight jobs")
	}
	return nil
}

// Status reports health. The scheduler is healthy while its context lives.
func (s *Service) Status() error {
	if err := s.ctx.Err(); err != nil {
		return errors.Wrap(err, "scheduler is shut down")
	}
	return nil
}

// spawn runs tick every interval until the service context ends. A failed
// tick is logged and the loop backs off before polling again.
func (s *Service) spawn(name string, interval time.Duration, tick func(ctx context.Context) error) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := tick(s.ctx); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				log.WithError(err).WithField("loop", name).Error("Scheduler tick failed")
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(errorBackoff):
				}
				continue
			}
			select {
			case <-s.ctx.Done():
				log.WithField("loop", name).Debug("Scheduler context closed, exiting loop")
				return
			case <-ticker.C:
			}
		}
	}()
}

// tryClaim records a job id as in-flight. It returns false when the id is
// already being processed by this instance.
func (s *Service) tryClaim(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[jobID]; busy {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
}
