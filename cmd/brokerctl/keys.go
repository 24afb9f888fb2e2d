package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ruteri/enclave-trust-broker/api/clients"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"github.com/ruteri/enclave-trust-broker/keyserver"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// parseID accepts a 32-byte hex id or derives one from a name.
func parseID(s string) keyrelease.ID {
	if id, err := keyrelease.ParseID(s); err == nil {
		return id
	}
	return keyrelease.IDFromName(s)
}

var sealCommand = &cli.Command{
	Name:      "seal",
	Usage:     "encrypt a file for threshold key release and print the share assignments",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Required: true, Usage: "where the sealed payload is written"},
		&cli.StringFlag{Name: "policy", Required: true, Usage: "policy id, hex or name"},
		&cli.StringFlag{Name: "object", Usage: "object id, hex or name. Defaults to the file name"},
		&cli.StringSliceFlag{Name: "key-id", Required: true, Usage: "key id per key server, hex or name. Repeatable"},
		&cli.IntFlag{Name: "quorum", Value: 1, Usage: "number of shares needed to decrypt"},
	},
	Action: func(cCtx *cli.Context) error {
		path := cCtx.Args().First()
		if path == "" {
			return errors.New("file argument is required")
		}
		plaintext, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		object := cCtx.String("object")
		if object == "" {
			object = path
		}
		names := cCtx.StringSlice("key-id")
		keyIDs := make([]keyrelease.ID, len(names))
		for i, name := range names {
			keyIDs[i] = parseID(name)
		}

		payload, shares, err := keyrelease.Seal(plaintext, parseID(cCtx.String("policy")), parseID(object), keyIDs, cCtx.Int("quorum"))
		if err != nil {
			return err
		}
		defer func() {
			for _, share := range shares {
				cryptoutils.WipeBytes(share)
			}
		}()

		if err := os.WriteFile(cCtx.String("out"), payload.Bytes(), 0o600); err != nil {
			return err
		}

		// One shares entry per key server config.
		assignments := make([]keyserver.ShareConfig, len(shares))
		for i, share := range shares {
			assignments[i] = keyserver.ShareConfig{KeyID: keyIDs[i].String(), Share: hex.EncodeToString(share)}
		}
		out, err := yaml.Marshal(map[string]any{"shares": assignments})
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var submitShareCommand = &cli.Command{
	Name:  "submit-share",
	Usage: "hand a share to a key server as a registered admin",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key-server", Required: true, Usage: "key server base URL"},
		&cli.StringFlag{Name: "admin-key", Required: true, Usage: "PEM file with the admin ECDSA private key"},
		&cli.StringFlag{Name: "key-id", Required: true, Usage: "key id, hex or name"},
		&cli.StringFlag{Name: "share", Required: true, Usage: "hex share"},
	},
	Action: func(cCtx *cli.Context) error {
		adminKey, err := os.ReadFile(cCtx.String("admin-key"))
		if err != nil {
			return err
		}
		defer cryptoutils.WipeBytes(adminKey)

		share, err := hex.DecodeString(strings.TrimPrefix(cCtx.String("share"), "0x"))
		if err != nil {
			return fmt.Errorf("share must be hex: %w", err)
		}

		client, err := clients.NewKeyServerAdminClient(cCtx.String("key-server"), cryptoutils.PrivateKeyPEM(adminKey))
		if err != nil {
			return err
		}
		if err := client.SubmitShare(cCtx.Context, parseID(cCtx.String("key-id")), share); err != nil {
			return err
		}

		keys, err := client.ListKeys(cCtx.Context)
		if err != nil {
			return err
		}
		return printJSON(keys)
	},
}
