package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/enclave-trust-broker/api/brokerhandler"
	"github.com/urfave/cli/v2"
)

var BrokerURLFlag = &cli.StringFlag{
	Name:    "broker-url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "base URL of the broker",
	EnvVars: []string{"BROKER_URL"},
}

func main() {
	app := &cli.App{
		Name:  "brokerctl",
		Usage: "Talk to an enclave trust broker and its key servers",
		Flags: []cli.Flag{BrokerURLFlag},
		Commands: []*cli.Command{
			uploadCommand,
			getCommand,
			assessCommand,
			attestCommand,
			verifyCommand,
			identityCommand,
			healthCommand,
			sealCommand,
			submitShareCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func brokerClient(cCtx *cli.Context) *brokerhandler.Client {
	return brokerhandler.NewClient(cCtx.String(BrokerURLFlag.Name), nil)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
