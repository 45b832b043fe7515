// This code was adapted from https://github.com/ethereum/go-ethereum/blob/master/cmd/geth/usage.go
package main

import (
	"io"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/cmd/issuer/flags"
)

var appHelpTemplate = `NAME:
   {{.App.Name}} - {{.App.Usage}}
USAGE:
   {{.App.HelpName}} [options]{{if .App.ArgsUsage}} {{.App.ArgsUsage}}{{end}}
   {{if .App.Version}}
VERSION:
   {{.App.Version}}
   {{end}}{{if .FlagGroups}}
{{range .FlagGroups}}{{.Name}} OPTIONS:
   {{range .Flags}}{{.}}
   {{end}}
{{end}}{{end}}`

type flagGroup struct {
	Name  string
	Flags []cli.Flag
}

var appHelpFlagGroups = []flagGroup{
	{
		Name: "general",
		Flags: []cli.Flag{
			flags.VerbosityFlag,
			flags.MonitoringAddrFlag,
		},
	},
	{
		Name: "store",
		Flags: []cli.Flag{
			flags.DBDriverFlag,
			flags.DataDirFlag,
			flags.DatabaseURLFlag,
		},
	},
	{
		Name: "storage",
		Flags: []cli.Flag{
			flags.StorageDriverFlag,
			flags.StoragePathFlag,
			flags.S3BucketFlag,
			flags.S3RegionFlag,
			flags.AWSEndpointFlag,
		},
	},
	{
		Name: "scheduler",
		Flags: []cli.Flag{
			flags.JobPollIntervalFlag,
			flags.MRIPollIntervalFlag,
			flags.MRUPollIntervalFlag,
			flags.QRPollIntervalFlag,
			flags.PDFPollIntervalFlag,
			flags.PDFConcurrencyFlag,
		},
	},
	{
		Name: "chain",
		Flags: []cli.Flag{
			flags.RPCURLFlag,
			flags.PrivateKeyFlag,
			flags.AnchorStoreAddressFlag,
			flags.ContractTypeFlag,
			flags.ChainIDFlag,
			flags.NetworkNameFlag,
			flags.MinPriorityFeeGweiFlag,
			flags.MinMaxFeeGweiFlag,
		},
	},
	{
		Name: "verification",
		Flags: []cli.Flag{
			flags.VerifyBaseURLFlag,
			flags.VerifyQRBaseURLFlag,
			flags.IssuerIDFlag,
			flags.IssuerPublicKeyFlag,
		},
	},
	{
		Name: "qr",
		Flags: []cli.Flag{
			flags.QRPNGWidthFlag,
			flags.QRPDFPNGWidthFlag,
			flags.QRMarginFlag,
			flags.QRDarkColorFlag,
			flags.QRLightColorFlag,
			flags.QRStyleFlag,
		},
	},
}

func init() {
	cli.AppHelpTemplate = appHelpTemplate

	type helpData struct {
		App        interface{}
		FlagGroups []flagGroup
	}

	originalHelpPrinter := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, tmpl string, data interface{}) {
		if tmpl == appHelpTemplate {
			for _, group := range appHelpFlagGroups {
				sort.Sort(cli.FlagsByName(group.Flags))
			}
			originalHelpPrinter(w, tmpl, helpData{data, appHelpFlagGroups})
		} else {
			originalHelpPrinter(w, tmpl, data)
		}
	}
}
