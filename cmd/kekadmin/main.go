package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/quorumkey/kek-service-backend/api/clients"
	"github.com/quorumkey/kek-service-backend/cryptoutils"
	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/quorumkey/kek-service-backend/kek"
	"github.com/urfave/cli/v2"
)

var serverFlag = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "KEK service address",
}

var principalFlag = &cli.StringFlag{
	Name:     "principal",
	Required: true,
	Usage:    "principal ID to act as",
}

var tenantFlag = &cli.StringFlag{
	Name:     "tenant",
	Required: true,
	Usage:    "tenant ID of the principal",
}

func apiClient(cCtx *cli.Context) *clients.KEKClient {
	return clients.NewKEKClient(cCtx.String(serverFlag.Name), interfaces.Principal{
		ID:       interfaces.PrincipalID(cCtx.String(principalFlag.Name)),
		TenantID: interfaces.TenantID(cCtx.String(tenantFlag.Name)),
	})
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "kekadmin",
		Usage: "Administer KEK versions, blobs and threshold recovery",
		Flags: []cli.Flag{serverFlag, principalFlag, tenantFlag},
		Commands: []*cli.Command{
			versionCommand(),
			blobCommand(),
			recoveryCommand(),
			shareCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func versionCommand() *cli.Command {
	reasonFlag := &cli.StringFlag{Name: "reason", Usage: "audit reason"}
	return &cli.Command{
		Name:  "version",
		Usage: "Manage the tenant's KEK versions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List versions, newest first",
				Action: func(cCtx *cli.Context) error {
					versions, err := apiClient(cCtx).ListVersions(context.Background())
					if err != nil {
						return err
					}
					return printJSON(versions)
				},
			},
			{
				Name:  "active",
				Usage: "Show the active version",
				Action: func(cCtx *cli.Context) error {
					version, err := apiClient(cCtx).ActiveVersion(context.Background())
					if err != nil {
						return err
					}
					return printJSON(version)
				},
			},
			{
				Name:  "create",
				Usage: "Create the tenant's next version",
				Flags: []cli.Flag{reasonFlag},
				Action: func(cCtx *cli.Context) error {
					version, err := apiClient(cCtx).CreateVersion(context.Background(), cCtx.String(reasonFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(version)
				},
			},
			{
				Name:  "rotate",
				Usage: "Supersede the active version",
				Flags: []cli.Flag{reasonFlag},
				Action: func(cCtx *cli.Context) error {
					version, err := apiClient(cCtx).Rotate(context.Background(), cCtx.String(reasonFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(version)
				},
			},
			{
				Name:      "set-status",
				Usage:     "Transition a version: set-status <version-id> <active|decrypt-only|deprecated>",
				ArgsUsage: "<version-id> <status>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 2 {
						return fmt.Errorf("expected <version-id> <status>")
					}
					version, err := apiClient(cCtx).SetVersionStatus(context.Background(),
						interfaces.VersionID(cCtx.Args().Get(0)),
						interfaces.VersionStatus(cCtx.Args().Get(1)))
					if err != nil {
						return err
					}
					return printJSON(version)
				},
			},
		},
	}
}

func blobCommand() *cli.Command {
	principalOf := &cli.StringFlag{Name: "for-principal", Usage: "principal owning the blob, defaults to the caller"}
	versionOf := &cli.StringFlag{Name: "version", Usage: "KEK version ID"}
	fileFlag := &cli.StringFlag{Name: "file", Usage: "path to the blob payload, '-' for stdin"}
	sealToFlag := &cli.StringFlag{Name: "seal-to", Usage: "recipient public key PEM file; seals the payload before upload"}
	openWithFlag := &cli.StringFlag{Name: "open-with", Usage: "private key PEM file; decrypts the fetched blob"}
	return &cli.Command{
		Name:  "blob",
		Usage: "Manage encrypted per-principal KEK blobs",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a PEM keypair for sealing blobs to a principal",
				Action: func(cCtx *cli.Context) error {
					publicKeyPEM, privateKeyPEM, err := cryptoutils.GenerateSealingKeyPEM()
					if err != nil {
						return err
					}
					return printJSON(map[string]string{
						"publicKeyPem":  string(publicKeyPEM),
						"privateKeyPem": string(privateKeyPEM),
					})
				},
			},
			{
				Name:  "provision",
				Usage: "Upload an encrypted blob for a principal and version",
				Flags: []cli.Flag{principalOf, versionOf, fileFlag, sealToFlag},
				Action: func(cCtx *cli.Context) error {
					payload, err := readInput(cCtx.String(fileFlag.Name))
					if err != nil {
						return err
					}
					if keyPath := cCtx.String(sealToFlag.Name); keyPath != "" {
						publicKeyPEM, err := os.ReadFile(keyPath)
						if err != nil {
							return err
						}
						payload, err = cryptoutils.SealToPublicKey(publicKeyPEM, payload)
						if err != nil {
							return fmt.Errorf("sealing payload: %w", err)
						}
					}
					owner := cCtx.String(principalOf.Name)
					if owner == "" {
						owner = cCtx.String(principalFlag.Name)
					}
					blob, err := apiClient(cCtx).ProvisionBlob(context.Background(),
						interfaces.PrincipalID(owner),
						interfaces.VersionID(cCtx.String(versionOf.Name)),
						payload)
					if err != nil {
						return err
					}
					return printJSON(blob)
				},
			},
			{
				Name:  "get",
				Usage: "Fetch the caller's blob for a version",
				Flags: []cli.Flag{versionOf, openWithFlag},
				Action: func(cCtx *cli.Context) error {
					blob, err := apiClient(cCtx).GetBlob(context.Background(), interfaces.VersionID(cCtx.String(versionOf.Name)))
					if err != nil {
						return err
					}
					if keyPath := cCtx.String(openWithFlag.Name); keyPath != "" {
						privateKeyPEM, err := os.ReadFile(keyPath)
						if err != nil {
							return err
						}
						opened, err := cryptoutils.OpenWithPrivateKey(privateKeyPEM, blob.EncryptedBlob)
						if err != nil {
							return fmt.Errorf("opening blob: %w", err)
						}
						return printJSON(map[string]string{
							"kekVersionId": string(blob.KEKVersionID),
							"payload":      base64.StdEncoding.EncodeToString(opened),
						})
					}
					return printJSON(blob)
				},
			},
			{
				Name:  "list",
				Usage: "List the caller's blobs, newest updated first",
				Action: func(cCtx *cli.Context) error {
					blobs, err := apiClient(cCtx).ListBlobs(context.Background())
					if err != nil {
						return err
					}
					return printJSON(blobs)
				},
			},
			{
				Name:      "offboard",
				Usage:     "Remove every blob owned by a principal",
				ArgsUsage: "<principal-id>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected <principal-id>")
					}
					return apiClient(cCtx).OffboardPrincipal(context.Background(), interfaces.PrincipalID(cCtx.Args().First()))
				},
			},
		},
	}
}

func recoveryCommand() *cli.Command {
	sessionFlag := &cli.StringFlag{Name: "session", Required: true, Usage: "recovery session ID"}
	return &cli.Command{
		Name:  "recovery",
		Usage: "Run the threshold recovery protocol",
		Subcommands: []*cli.Command{
			{
				Name:  "initiate",
				Usage: "Open a recovery session against a version",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "version", Required: true, Usage: "KEK version ID to recover"},
					&cli.IntFlag{Name: "threshold", Required: true, Usage: "shares required before completion"},
					&cli.StringFlag{Name: "reason", Usage: "audit reason"},
					&cli.DurationFlag{Name: "expires-in", Usage: "session lifetime, 0 for the server default"},
				},
				Action: func(cCtx *cli.Context) error {
					session, err := apiClient(cCtx).InitiateRecovery(context.Background(),
						interfaces.VersionID(cCtx.String("version")),
						cCtx.Int("threshold"),
						cCtx.String("reason"),
						cCtx.Duration("expires-in"))
					if err != nil {
						return err
					}
					return printJSON(session)
				},
			},
			{
				Name:  "status",
				Usage: "Show a session",
				Flags: []cli.Flag{sessionFlag},
				Action: func(cCtx *cli.Context) error {
					session, err := apiClient(cCtx).GetRecoverySession(context.Background(), interfaces.SessionID(cCtx.String(sessionFlag.Name)))
					if err != nil {
						return err
					}
					return printJSON(session)
				},
			},
			{
				Name:  "list",
				Usage: "List the tenant's sessions",
				Action: func(cCtx *cli.Context) error {
					sessions, err := apiClient(cCtx).ListRecoverySessions(context.Background())
					if err != nil {
						return err
					}
					return printJSON(sessions)
				},
			},
			{
				Name:  "submit",
				Usage: "Submit the caller's share to a session",
				Flags: []cli.Flag{
					sessionFlag,
					&cli.StringFlag{Name: "share", Required: true, Usage: "share payload as JSON, conventionally {\"x\":...,\"y\":...}"},
					&cli.StringFlag{Name: "encrypted-for", Required: true, Usage: "principal who will reconstruct"},
				},
				Action: func(cCtx *cli.Context) error {
					session, err := apiClient(cCtx).SubmitRecoveryShare(context.Background(),
						interfaces.SessionID(cCtx.String(sessionFlag.Name)),
						json.RawMessage(cCtx.String("share")),
						interfaces.PrincipalID(cCtx.String("encrypted-for")))
					if err != nil {
						return err
					}
					return printJSON(session)
				},
			},
			{
				Name:  "shares",
				Usage: "Fetch the shares addressed to the caller",
				Flags: []cli.Flag{sessionFlag},
				Action: func(cCtx *cli.Context) error {
					shares, err := apiClient(cCtx).ListRecoveryShares(context.Background(), interfaces.SessionID(cCtx.String(sessionFlag.Name)))
					if err != nil {
						return err
					}
					return printJSON(shares)
				},
			},
			{
				Name:  "complete",
				Usage: "Finish a session and mint the replacement version",
				Flags: []cli.Flag{
					sessionFlag,
					&cli.StringFlag{Name: "evidence", Usage: "base64 recovered-KEK ciphertext evidence"},
					&cli.StringFlag{Name: "reason", Usage: "audit reason for the new version"},
				},
				Action: func(cCtx *cli.Context) error {
					var evidence []byte
					if encoded := cCtx.String("evidence"); encoded != "" {
						var err error
						evidence, err = base64.StdEncoding.DecodeString(encoded)
						if err != nil {
							return fmt.Errorf("invalid evidence encoding: %w", err)
						}
					}
					result, err := apiClient(cCtx).CompleteRecovery(context.Background(),
						interfaces.SessionID(cCtx.String(sessionFlag.Name)),
						evidence,
						kek.NewVersionSpec{Reason: cCtx.String("reason")})
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel a pending session",
				Flags: []cli.Flag{sessionFlag},
				Action: func(cCtx *cli.Context) error {
					session, err := apiClient(cCtx).CancelRecovery(context.Background(), interfaces.SessionID(cCtx.String(sessionFlag.Name)))
					if err != nil {
						return err
					}
					return printJSON(session)
				},
			},
		},
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return os.ReadFile("/dev/stdin")
	}
	return os.ReadFile(path)
}
