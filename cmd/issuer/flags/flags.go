// Package flags defines the command line options of the issuer worker.
// Every flag is backed by an environment variable so the worker deploys
// cleanly in container environments.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity (trace, debug, info, warn, error, fatal)",
		Value:   "info",
		EnvVars: []string{"VERBOSITY"},
	}
	// MonitoringAddrFlag is the listen address of the metrics endpoint.
	MonitoringAddrFlag = &cli.StringFlag{
		Name:    "monitoring-addr",
		Usage:   "Listen address for the /metrics and /healthz endpoints, empty disables monitoring",
		Value:   "127.0.0.1:8080",
		EnvVars: []string{"MONITORING_ADDR"},
	}

	// DBDriverFlag selects the store driver.
	DBDriverFlag = &cli.StringFlag{
		Name:    "db-driver",
		Usage:   "Store driver: bolt or postgres",
		Value:   "bolt",
		EnvVars: []string{"DB_DRIVER"},
	}
	// DataDirFlag is the bolt database directory.
	DataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the bolt store",
		Value:   "./issuerdata",
		EnvVars: []string{"DATADIR"},
	}
	// DatabaseURLFlag is the postgres connection string.
	DatabaseURLFlag = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "PostgreSQL connection URL, required with --db-driver=postgres",
		EnvVars: []string{"DATABASE_URL"},
	}

	// StorageDriverFlag selects the artifact storage driver.
	StorageDriverFlag = &cli.StringFlag{
		Name:    "storage-driver",
		Usage:   "Artifact storage driver: local or s3",
		Value:   "local",
		EnvVars: []string{"STORAGE_DRIVER"},
	}
	// StoragePathFlag is the local storage root.
	StoragePathFlag = &cli.StringFlag{
		Name:    "storage-path",
		Usage:   "Root directory of the local storage driver",
		Value:   "./artifacts",
		EnvVars: []string{"STORAGE_PATH"},
	}
	// S3BucketFlag is the artifact bucket.
	S3BucketFlag = &cli.StringFlag{
		Name:    "s3-bucket",
		Usage:   "S3 bucket name, required with --storage-driver=s3",
		EnvVars: []string{"S3_BUCKET_NAME"},
	}
	// S3RegionFlag is the bucket region.
	S3RegionFlag = &cli.StringFlag{
		Name:    "s3-region",
		Usage:   "S3 bucket region",
		EnvVars: []string{"AWS_REGION"},
	}
	// AWSEndpointFlag enables S3-compatible endpoints.
	AWSEndpointFlag = &cli.StringFlag{
		Name:    "aws-endpoint",
		Usage:   "Custom S3-compatible endpoint, enables path-style addressing",
		EnvVars: []string{"AWS_ENDPOINT"},
	}

	// JobPollIntervalFlag is the generation loop period.
	JobPollIntervalFlag = &cli.IntFlag{
		Name:    "job-poll-interval-ms",
		Usage:   "Polling interval of the certificate generation loop in milliseconds",
		Value:   2000,
		EnvVars: []string{"JOB_POLL_INTERVAL_MS"},
	}
	// MRIPollIntervalFlag is the intermediate-root loop period.
	MRIPollIntervalFlag = &cli.IntFlag{
		Name:    "mri-poll-interval-ms",
		Usage:   "Polling interval of the batch finalization loop in milliseconds",
		Value:   5000,
		EnvVars: []string{"MRI_POLL_INTERVAL_MS"},
	}
	// MRUPollIntervalFlag is the anchoring loop period.
	MRUPollIntervalFlag = &cli.IntFlag{
		Name:    "mru-poll-interval-ms",
		Usage:   "Polling interval of the ultimate root and anchoring loop in milliseconds",
		Value:   10000,
		EnvVars: []string{"MRU_POLL_INTERVAL_MS"},
	}
	// QRPollIntervalFlag is the QR artifact loop period.
	QRPollIntervalFlag = &cli.IntFlag{
		Name:    "qr-poll-interval-ms",
		Usage:   "Polling interval of the QR artifact loop in milliseconds",
		Value:   5000,
		EnvVars: []string{"QR_POLL_INTERVAL_MS"},
	}
	// PDFPollIntervalFlag is the augmentation loop period.
	PDFPollIntervalFlag = &cli.IntFlag{
		Name:    "pdf-poll-interval-ms",
		Usage:   "Polling interval of the PDF augmentation loop in milliseconds",
		Value:   5000,
		EnvVars: []string{"PDF_POLL_INTERVAL_MS"},
	}
	// PDFConcurrencyFlag bounds parallel rendering.
	PDFConcurrencyFlag = &cli.IntFlag{
		Name:    "pdf-concurrency",
		Usage:   "Maximum number of certificates rendered in parallel",
		Value:   2,
		EnvVars: []string{"PDF_CONCURRENCY"},
	}

	// RPCURLFlag is the chain RPC endpoint.
	RPCURLFlag = &cli.StringFlag{
		Name:    "rpc-url",
		Usage:   "JSON-RPC endpoint of the anchoring chain, empty disables anchoring",
		EnvVars: []string{"RPC_URL"},
	}
	// PrivateKeyFlag signs anchoring transactions.
	PrivateKeyFlag = &cli.StringFlag{
		Name:    "private-key",
		Usage:   "Hex secp256k1 private key of the anchoring account",
		EnvVars: []string{"PRIVATE_KEY"},
	}
	// AnchorStoreAddressFlag is the anchoring contract.
	AnchorStoreAddressFlag = &cli.StringFlag{
		Name:    "anchorstore-address",
		Usage:   "Address of the anchoring contract",
		EnvVars: []string{"ANCHORSTORE_ADDRESS"},
	}
	// ContractTypeFlag selects the contract entry point.
	ContractTypeFlag = &cli.StringFlag{
		Name:    "contract-type",
		Usage:   "Anchoring contract variant: legacy or emit-only",
		Value:   "legacy",
		EnvVars: []string{"CONTRACT_TYPE"},
	}
	// ChainIDFlag is the anchoring chain id.
	ChainIDFlag = &cli.Int64Flag{
		Name:    "chain-id",
		Usage:   "Chain id of the anchoring network",
		Value:   80002,
		EnvVars: []string{"CHAIN_ID"},
	}
	// NetworkNameFlag names the network in bundles and payloads.
	NetworkNameFlag = &cli.StringFlag{
		Name:    "network-name",
		Usage:   "Network label recorded on anchored batches",
		Value:   "amoy",
		EnvVars: []string{"NETWORK_NAME"},
	}
	// MinPriorityFeeGweiFlag floors the priority fee.
	MinPriorityFeeGweiFlag = &cli.Int64Flag{
		Name:    "min-priority-fee-gwei",
		Usage:   "Minimum priority fee in gwei for anchoring transactions",
		EnvVars: []string{"MIN_PRIORITY_FEE_GWEI"},
	}
	// MinMaxFeeGweiFlag floors the fee cap.
	MinMaxFeeGweiFlag = &cli.Int64Flag{
		Name:    "min-max-fee-gwei",
		Usage:   "Minimum max fee in gwei for anchoring transactions",
		EnvVars: []string{"MIN_MAX_FEE_GWEI"},
	}

	// VerifyBaseURLFlag enables short verification links.
	VerifyBaseURLFlag = &cli.StringFlag{
		Name:    "verify-base-url",
		Usage:   "Base URL of the verification portal, enables short jobId links",
		EnvVars: []string{"VERIFY_BASE_URL"},
	}
	// VerifyQRBaseURLFlag overrides the base URL used inside QR codes.
	VerifyQRBaseURLFlag = &cli.StringFlag{
		Name:    "verify-qr-base-url",
		Usage:   "Base URL encoded into QR codes when it differs from the portal URL",
		EnvVars: []string{"VERIFY_QR_BASE_URL"},
	}
	// IssuerIDFlag is the process-wide issuer identifier fallback.
	IssuerIDFlag = &cli.StringFlag{
		Name:    "issuer-id",
		Usage:   "Issuer identifier used when a batch carries no tenant",
		EnvVars: []string{"ISSUER_ID"},
	}
	// IssuerPublicKeyFlag is the process-wide verification key fallback.
	IssuerPublicKeyFlag = &cli.StringFlag{
		Name:    "issuer-public-key",
		Usage:   "Hex issuer public key used when neither batch nor tenant carries one",
		EnvVars: []string{"ISSUER_PUBLIC_KEY"},
	}

	// QRPNGWidthFlag sizes the stored QR artifact.
	QRPNGWidthFlag = &cli.IntFlag{
		Name:    "qr-png-width",
		Usage:   "Pixel width of the stored QR PNG",
		Value:   768,
		EnvVars: []string{"QR_PNG_WIDTH"},
	}
	// QRPDFPNGWidthFlag sizes the in-document QR.
	QRPDFPNGWidthFlag = &cli.IntFlag{
		Name:    "qr-pdf-png-width",
		Usage:   "Pixel width of the QR embedded into augmented PDFs",
		Value:   1536,
		EnvVars: []string{"QR_PDF_PNG_WIDTH"},
	}
	// QRMarginFlag is the QR quiet zone.
	QRMarginFlag = &cli.IntFlag{
		Name:    "qr-margin",
		Usage:   "QR quiet-zone margin in modules",
		Value:   8,
		EnvVars: []string{"QR_MARGIN"},
	}
	// QRDarkColorFlag overrides the foreground color.
	QRDarkColorFlag = &cli.StringFlag{
		Name:    "qr-dark-color",
		Usage:   "QR foreground color as #RRGGBB",
		EnvVars: []string{"QR_DARK_COLOR"},
	}
	// QRLightColorFlag overrides the background color.
	QRLightColorFlag = &cli.StringFlag{
		Name:    "qr-light-color",
		Usage:   "QR background color as #RRGGBB",
		EnvVars: []string{"QR_LIGHT_COLOR"},
	}
	// QRStyleFlag selects a preset QR style.
	QRStyleFlag = &cli.StringFlag{
		Name:    "qr-style",
		Usage:   "QR style preset: classic, dark or transparent",
		Value:   "classic",
		EnvVars: []string{"QR_STYLE"},
	}
)

// Flags is the full flag set of the issuer worker.
var Flags = []cli.Flag{
	VerbosityFlag,
	MonitoringAddrFlag,
	DBDriverFlag,
	DataDirFlag,
	DatabaseURLFlag,
	StorageDriverFlag,
	StoragePathFlag,
	S3BucketFlag,
	S3RegionFlag,
	AWSEndpointFlag,
	JobPollIntervalFlag,
	MRIPollIntervalFlag,
	MRUPollIntervalFlag,
	QRPollIntervalFlag,
	PDFPollIntervalFlag,
	PDFConcurrencyFlag,
	RPCURLFlag,
	PrivateKeyFlag,
	AnchorStoreAddressFlag,
	ContractTypeFlag,
	ChainIDFlag,
	NetworkNameFlag,
	MinPriorityFeeGweiFlag,
	MinMaxFeeGweiFlag,
	VerifyBaseURLFlag,
	VerifyQRBaseURLFlag,
	IssuerIDFlag,
	IssuerPublicKeyFlag,
	QRPNGWidthFlag,
	QRPDFPNGWidthFlag,
	QRMarginFlag,
	QRDarkColorFlag,
	QRLightColorFlag,
	QRStyleFlag,
}
