// Package node is the composition root of the issuer worker. It resolves
// the configuration, opens the store and storage drivers, connects the
// anchoring chain and runs the scheduler and monitoring services through
// the service registry until the process is told to stop.
package node

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db/kv"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db/sqlstore"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/render"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/scheduler"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/storage"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/monitoring/prometheus"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/runtime"
)

var log = logrus.WithField("prefix", "node")

// IssuerNode runs the issuance worker and manages its service lifecycles.
type IssuerNode struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *Config
	services *runtime.ServiceRegistry
	store    db.Store
	stop     chan struct{}
}

// New resolves the configuration and registers every service.
func New(cliCtx *cli.Context) (*IssuerNode, error) {
	cfg, err := NewConfig(cliCtx)
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.Verbosity)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid verbosity %q", cfg.Verbosity)
	}
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	n := &IssuerNode{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	store, err := n.openStore(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	n.store = store

	files, err := n.openStorage(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	anchorer, err := n.dialAnchor(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	sched, err := scheduler.NewService(&scheduler.Config{
		Store:           store,
		Storage:         files,
		Renderer:        render.TextRenderer{},
		Anchor:          anchorer,
		Network:         cfg.NetworkName,
		IssuerID:        cfg.IssuerID,
		IssuerPublicKey: cfg.IssuerPublicKey,
		VerifyBaseURL:   cfg.VerifyBaseURL,
		VerifyQRBaseURL: cfg.VerifyQRBaseURL,
		QR:              cfg.QR,
		PDFQRWidth:      cfg.PDFQRWidth,
		Intervals:       cfg.Intervals,
		PDFConcurrency:  cfg.PDFConcurrency,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := n.services.RegisterService(sched); err != nil {
		cancel()
		return nil, err
	}

	if cfg.MonitoringAddr != "" {
		logrus.AddHook(prometheus.NewLogrusCollector())
		if err := n.services.RegisterService(prometheus.NewService(cfg.MonitoringAddr, n.services)); err != nil {
			cancel()
			return nil, err
		}
	}
	return n, nil
}

func (n *IssuerNode) openStore(ctx context.Context) (db.Store, error) {
	switch n.cfg.DBDriver {
	case DBDriverPostgres:
		log.Info("Opening PostgreSQL store")
		return sqlstore.NewStore(ctx, sqlstore.Config{URL: n.cfg.DatabaseURL})
	default:
		dir := filepath.Join(n.cfg.DataDir, "issuer")
		log.WithField("dir", dir).Info("Opening bolt store")
		return kv.NewKVStore(dir)
	}
}

func (n *IssuerNode) openStorage(ctx context.Context) (storage.Storage, error) {
	if n.cfg.StorageDriver == StorageDriverS3 {
		log.WithField("bucket", n.cfg.S3Bucket).Info("Using S3 artifact storage")
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:   n.cfg.S3Bucket,
			Region:   n.cfg.S3Region,
			Endpoint: n.cfg.AWSEndpoint,
		})
	}
	log.WithField("path", n.cfg.StoragePath).Info("Using local artifact storage")
	return storage.NewLocalStorage(n.cfg.StoragePath)
}

// dialAnchor connects the anchoring chain. Without an RPC endpoint batches
// stay unanchored until one is configured.
func (n *IssuerNode) dialAnchor(ctx context.Context) (scheduler.Anchorer, error) {
	if n.cfg.RPCURL == "" {
		log.Warn("No RPC endpoint configured; batches will not be anchored")
		return nil, nil
	}
	client, err := ethclient.DialContext(ctx, n.cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not dial anchoring chain")
	}
	key, err := ethcrypto.HexToECDSA(hash.TrimPrefix(n.cfg.PrivateKey))
	if err != nil {
		return nil, errors.Wrap(err, "invalid anchoring private key")
	}
	return anchor.NewClient(anchor.Config{
		Backend:      client,
		PrivateKey:   key,
		Contract:     common.HexToAddress(n.cfg.AnchorStoreAddress),
		ChainID:      big.NewInt(n.cfg.ChainID),
		ContractType: n.cfg.ContractType,
		Fees:         n.cfg.Fees,
	})
}

// Scheduler returns the pipeline scheduler from the service registry.
func (n *IssuerNode) Scheduler() (*scheduler.Service, error) {
	var svc *scheduler.Service
	if err := n.services.FetchService(&svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Start launches the registered services and blocks until the process is
// interrupted or Close is called.
func (n *IssuerNode) Start() {
	n.services.StartAll()

	stop := n.stop
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigc:
			log.WithField("signal", sig).Info("Shutting down")
			n.Close()
		case <-n.ctx.Done():
		}
		signal.Stop(sigc)
	}()

	<-stop
}

// Close stops every service and releases the store.
func (n *IssuerNode) Close() {
	log.Info("Stopping issuer node")
	n.services.StopAll()
	if err := n.store.Close(); err != nil {
		log.WithError(err).Error("Could not close store")
	}
	n.cancel()
	close(n.stop)
}
