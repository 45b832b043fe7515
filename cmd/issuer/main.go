// The issuer worker anchors verifiable certificates: it renders them,
// collects issuer signatures, builds the Merkle commitments, anchors the
// roots on chain and augments the documents with their verification
// bundle and QR code.
package main

import (
	"os"
	goruntime "runtime"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/cmd/issuer/flags"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/node"
)

func startNode(cliCtx *cli.Context) error {
	issuer, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	issuer.Start()
	return nil
}

func main() {
	app := &cli.App{
		Name:   "issuer",
		Usage:  "blockchain-anchored certificate issuance worker",
		Action: startNode,
		Flags:  flags.Flags,
		Before: func(cliCtx *cli.Context) error {
			goruntime.GOMAXPROCS(goruntime.NumCPU())
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
