package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/enclave-trust-broker/api"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/urfave/cli/v2"
)

var uploadCommand = &cli.Command{
	Name:      "upload",
	Usage:     "upload a file and print its upload attestation id",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Usage: "model or dataset, inferred from the file name when empty"},
	},
	Action: func(cCtx *cli.Context) error {
		path := cCtx.Args().First()
		if path == "" {
			return errors.New("file argument is required")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := brokerClient(cCtx).Upload(cCtx.Context, filepath.Base(path), interfaces.FileType(cCtx.String("type")), data)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "print a file's metadata or an attestation",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "attestation", Usage: "the id names an attestation"},
	},
	Action: func(cCtx *cli.Context) error {
		id := cCtx.Args().First()
		if id == "" {
			return errors.New("id argument is required")
		}
		client := brokerClient(cCtx)
		if cCtx.Bool("attestation") {
			att, err := client.GetAttestation(cCtx.Context, id)
			if err != nil {
				return err
			}
			return printJSON(att)
		}
		file, err := client.GetFile(cCtx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(file)
	},
}

var assessCommand = &cli.Command{
	Name:  "assess",
	Usage: "assess a model against a dataset and print the signed report",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "model", Required: true, Usage: "model blob reference or uploaded file id"},
		&cli.StringFlag{Name: "dataset", Required: true, Usage: "dataset blob reference or uploaded file id"},
		&cli.StringFlag{Name: "type", Value: string(interfaces.BasicValidation), Usage: "assessment type"},
		&cli.StringSliceFlag{Name: "metric", Usage: "quality metric to report. Repeatable"},
	},
	Action: func(cCtx *cli.Context) error {
		res, err := brokerClient(cCtx).Assess(cCtx.Context, &api.AssessRequest{
			ModelBlobID:    cCtx.String("model"),
			DatasetBlobID:  cCtx.String("dataset"),
			AssessmentType: cCtx.String("type"),
			QualityMetrics: cCtx.StringSlice("metric"),
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var attestCommand = &cli.Command{
	Name:      "attest",
	Usage:     "sign a custom attestation over an uploaded file",
	ArgsUsage: "<file-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "operation", Required: true, Usage: "operation label"},
		&cli.StringFlag{Name: "metadata", Usage: "JSON object attached to the attestation"},
	},
	Action: func(cCtx *cli.Context) error {
		fileID := cCtx.Args().First()
		if fileID == "" {
			return errors.New("file id argument is required")
		}
		var metadata map[string]any
		if raw := cCtx.String("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				return fmt.Errorf("metadata must be a JSON object: %w", err)
			}
		}
		att, err := brokerClient(cCtx).Attest(cCtx.Context, &api.AttestRequest{
			FileID:    fileID,
			Operation: cCtx.String("operation"),
			Metadata:  metadata,
		})
		if err != nil {
			return err
		}
		return printJSON(att)
	},
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "verify an attestation stored as JSON, exits non-zero when invalid",
	ArgsUsage: "<attestation.json>",
	Action: func(cCtx *cli.Context) error {
		data, err := os.ReadFile(cCtx.Args().First())
		if err != nil {
			return err
		}
		var att interfaces.Attestation
		if err := json.Unmarshal(data, &att); err != nil {
			return fmt.Errorf("invalid attestation: %w", err)
		}
		res, err := brokerClient(cCtx).Verify(cCtx.Context, &att)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Valid {
			return cli.Exit("attestation is not valid", 1)
		}
		return nil
	},
}

var identityCommand = &cli.Command{
	Name:  "identity",
	Usage: "fetch the broker identity report",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "user-data", Usage: "hex data bound into the report"},
	},
	Action: func(cCtx *cli.Context) error {
		userData, err := hex.DecodeString(cCtx.String("user-data"))
		if err != nil {
			return fmt.Errorf("user-data must be hex: %w", err)
		}
		report, err := brokerClient(cCtx).Identity(cCtx.Context, userData)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "print broker health",
	Action: func(cCtx *cli.Context) error {
		health, err := brokerClient(cCtx).Health(cCtx.Context)
		if err != nil {
			return err
		}
		return printJSON(health)
	},
}
