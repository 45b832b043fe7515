package node

import (
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/cmd/issuer/flags"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/augment"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/scheduler"
)

// Store drivers.
const (
	DBDriverBolt     = "bolt"
	DBDriverPostgres = "postgres"
)

// Storage drivers.
const (
	StorageDriverLocal = "local"
	StorageDriverS3    = "s3"
)

// Config is the fully resolved worker configuration.
type Config struct {
	Verbosity      string
	MonitoringAddr string

	DBDriver    string
	DataDir     string
	DatabaseURL string

	StorageDriver string
	StoragePath   string
	S3Bucket      string
	S3Region      string
	AWSEndpoint   string

	Intervals      scheduler.Intervals
	PDFConcurrency int

	RPCURL             string
	PrivateKey         string
	AnchorStoreAddress string
	ContractType       string
	ChainID            int64
	NetworkName        string
	Fees               anchor.FeeConfig

	VerifyBaseURL   string
	VerifyQRBaseURL string
	IssuerID        string
	IssuerPublicKey string

	QR         augment.QROptions
	PDFQRWidth int
}

// NewConfig reads and validates the cli flags once.
func NewConfig(cliCtx *cli.Context) (*Config, error) {
	ms := func(f *cli.IntFlag) time.Duration {
		return time.Duration(cliCtx.Int(f.Name)) * time.Millisecond
	}
	cfg := &Config{
		Verbosity:      cliCtx.String(flags.VerbosityFlag.Name),
		MonitoringAddr: cliCtx.String(flags.MonitoringAddrFlag.Name),

		DBDriver:    cliCtx.String(flags.DBDriverFlag.Name),
		DataDir:     cliCtx.String(flags.DataDirFlag.Name),
		DatabaseURL: cliCtx.String(flags.DatabaseURLFlag.Name),

		StorageDriver: cliCtx.String(flags.StorageDriverFlag.Name),
		StoragePath:   cliCtx.String(flags.StoragePathFlag.Name),
		S3Bucket:      cliCtx.String(flags.S3BucketFlag.Name),
		S3Region:      cliCtx.String(flags.S3RegionFlag.Name),
		AWSEndpoint:   cliCtx.String(flags.AWSEndpointFlag.Name),

		Intervals: scheduler.Intervals{
			Generate:     ms(flags.JobPollIntervalFlag),
			Intermediate: ms(flags.MRIPollIntervalFlag),
			Ultimate:     ms(flags.MRUPollIntervalFlag),
			QR:           ms(flags.QRPollIntervalFlag),
			Augment:      ms(flags.PDFPollIntervalFlag),
		},
		PDFConcurrency: cliCtx.Int(flags.PDFConcurrencyFlag.Name),

		RPCURL:             cliCtx.String(flags.RPCURLFlag.Name),
		PrivateKey:         cliCtx.String(flags.PrivateKeyFlag.Name),
		AnchorStoreAddress: cliCtx.String(flags.AnchorStoreAddressFlag.Name),
		ContractType:       normalizeContractType(cliCtx.String(flags.ContractTypeFlag.Name)),
		ChainID:            cliCtx.Int64(flags.ChainIDFlag.Name),
		NetworkName:        cliCtx.String(flags.NetworkNameFlag.Name),
		Fees: anchor.FeeConfig{
			MinPriorityFeeGwei: cliCtx.Int64(flags.MinPriorityFeeGweiFlag.Name),
			MinMaxFeeGwei:      cliCtx.Int64(flags.MinMaxFeeGweiFlag.Name),
		},

		VerifyBaseURL:   cliCtx.String(flags.VerifyBaseURLFlag.Name),
		VerifyQRBaseURL: cliCtx.String(flags.VerifyQRBaseURLFlag.Name),
		IssuerID:        cliCtx.String(flags.IssuerIDFlag.Name),
		IssuerPublicKey: cliCtx.String(flags.IssuerPublicKeyFlag.Name),

		QR: augment.QROptions{
			Width:      cliCtx.Int(flags.QRPNGWidthFlag.Name),
			Margin:     cliCtx.Int(flags.QRMarginFlag.Name),
			Style:      cliCtx.String(flags.QRStyleFlag.Name),
			DarkColor:  cliCtx.String(flags.QRDarkColorFlag.Name),
			LightColor: cliCtx.String(flags.QRLightColorFlag.Name),
		},
		PDFQRWidth: cliCtx.Int(flags.QRPDFPNGWidthFlag.Name),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DBDriverBolt:
		if c.DataDir == "" {
			return errors.New("datadir is required with the bolt driver")
		}
	case DBDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database-url is required with the postgres driver")
		}
	default:
		return errors.Errorf("unknown db driver %q", c.DBDriver)
	}
	switch c.StorageDriver {
	case StorageDriverLocal:
		if c.StoragePath == "" {
			return errors.New("storage-path is required with the local driver")
		}
	case StorageDriverS3:
		if c.S3Bucket == "" {
			return errors.New("s3-bucket is required with the s3 driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	// Anchoring is all-or-nothing: without an RPC endpoint batches park
	// unanchored, but a partial chain configuration is a mistake.
	if c.RPCURL != "" {
		if c.PrivateKey == "" {
			return errors.New("private-key is required to anchor")
		}
		if c.AnchorStoreAddress == "" {
			return errors.New("anchorstore-address is required to anchor")
		}
		if c.ChainID <= 0 {
			return errors.New("chain-id is required to anchor")
		}
	}
	switch c.ContractType {
	case anchor.ContractLegacy, anchor.ContractEmitOnly:
	default:
		return errors.Errorf("unknown contract type %q", c.ContractType)
	}
	return nil
}

func normalizeContractType(v string) string {
	switch v {
	case "emit-only", "emitOnly":
		return anchor.ContractEmitOnly
	case "", "legacy":
		return anchor.ContractLegacy
	}
	return v
}
