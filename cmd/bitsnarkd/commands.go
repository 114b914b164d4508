package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bitsnark/bitsnark/internal/core/application"
	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/urfave/cli/v2"
)

// flags
var (
	setupFlag = &cli.StringFlag{
		Name:     "setup",
		Usage:    "id of the setup",
		Required: true,
	}
	templateFlag = &cli.StringFlag{
		Name:     "template",
		Usage:    "name of the transaction template",
		Required: true,
	}
	templatesFlag = &cli.StringSliceFlag{
		Name:     "template",
		Usage:    "name of an external transaction template, can be repeated",
		Required: true,
	}
	fileFlag = &cli.StringFlag{
		Name:     "file",
		Usage:    "path to the json file",
		Required: true,
	}
	feeRateFlag = &cli.Float64Flag{
		Name:  "fee-rate",
		Usage: "fee rate in sat/vB, defaults to the configured one",
	}
	changeAddressFlag = &cli.StringFlag{
		Name:  "change-address",
		Usage: "address receiving the change, defaults to the configured one",
	}
	testMempoolAcceptFlag = &cli.BoolFlag{
		Name:  "test-mempool-accept",
		Usage: "check the funded transaction with testmempoolaccept",
	}
	dumpFlag = &cli.BoolFlag{
		Name:  "dump",
		Usage: "dump the raw stored records instead of json",
	}
	roleFlag = &cli.StringFlag{
		Name:  "role",
		Usage: "role spending the tested conditions, defaults to the agent one",
	}
	filterTemplateFlag = &cli.StringFlag{
		Name:  "template",
		Usage: "only test the conditions of this template",
	}
	timelocksFlag = &cli.BoolFlag{
		Name:  "timelocks",
		Usage: "include timelocked conditions",
	}
	onchainFlag = &cli.BoolFlag{
		Name:  "onchain",
		Usage: "fund and spend every condition on the node (regtest only)",
	}
	ignoreSignaturesFlag = &cli.BoolFlag{
		Name:  "ignore-signatures",
		Usage: "count invalid signatures as valid",
	}
)

// commands
var (
	importCmd = &cli.Command{
		Name:   "import",
		Usage:  "Import a setup and its transaction templates from a json file",
		Action: importAction,
		Flags:  []cli.Flag{fileFlag},
	}
	signCmd = &cli.Command{
		Name:   "sign",
		Usage:  "Sign every transaction template of a setup",
		Action: signAction,
		Flags:  []cli.Flag{setupFlag},
	}
	mergeCmd = &cli.Command{
		Name:   "merge",
		Usage:  "Merge the signatures of the counterpart templates from a json file",
		Action: mergeAction,
		Flags:  []cli.Flag{setupFlag, fileFlag},
	}
	verifyCmd = &cli.Command{
		Name:   "verify",
		Usage:  "Verify the signatures of both parties for a merged setup",
		Action: verifyAction,
		Flags:  []cli.Flag{setupFlag},
	}
	readyCmd = &cli.Command{
		Name:   "ready",
		Usage:  "Mark a transaction template as ready to be broadcast",
		Action: readyAction,
		Flags:  []cli.Flag{setupFlag, templateFlag},
	}
	broadcastCmd = &cli.Command{
		Name:   "broadcast",
		Usage:  "Broadcast a ready transaction template",
		Action: broadcastAction,
		Flags:  []cli.Flag{setupFlag, templateFlag},
	}
	fundCmd = &cli.Command{
		Name:   "fund",
		Usage:  "Fund a fundable transaction template with wallet utxos",
		Action: fundAction,
		Flags: []cli.Flag{
			setupFlag, templateFlag, feeRateFlag, changeAddressFlag, testMempoolAcceptFlag,
		},
	}
	fundExternalCmd = &cli.Command{
		Name:   "fund-external",
		Usage:  "Create and sign the external transactions of a setup with the node wallet",
		Action: fundExternalAction,
		Flags:  []cli.Flag{setupFlag, templatesFlag, feeRateFlag, changeAddressFlag},
	}
	retryCmd = &cli.Command{
		Name:   "retry",
		Usage:  "Move a failed setup back to ready",
		Action: retryAction,
		Flags:  []cli.Flag{setupFlag},
	}
	showCmd = &cli.Command{
		Name:   "show",
		Usage:  "Show a setup and its transaction templates",
		Action: showAction,
		Flags:  []cli.Flag{setupFlag, dumpFlag},
	}
	testScriptsCmd = &cli.Command{
		Name:   "test-scripts",
		Usage:  "Run the spending conditions of a setup against their example witnesses",
		Action: testScriptsAction,
		Flags: []cli.Flag{
			setupFlag, roleFlag, filterTemplateFlag, timelocksFlag, onchainFlag,
			ignoreSignaturesFlag,
		},
	}
)

// setupFile is the interchange format of the import command.
type setupFile struct {
	Setup     domain.Setup                 `json:"setup"`
	Templates []domain.TransactionTemplate `json:"templates"`
}

func importAction(ctx *cli.Context) error {
	var file setupFile
	if err := readJSON(ctx.String(fileFlag.Name), &file); err != nil {
		return err
	}
	if len(file.Setup.Id) <= 0 {
		return fmt.Errorf("missing setup id")
	}
	if len(file.Setup.ProtocolVersion) <= 0 {
		return fmt.Errorf("missing setup protocol version")
	}

	svc, err := appService()
	if err != nil {
		return err
	}
	defer svc.Stop()

	if err := svc.ImportSetup(ctx.Context, file.Setup, file.Templates); err != nil {
		return err
	}

	fmt.Printf("imported setup %s with %d templates\n", file.Setup.Id, len(file.Templates))
	return nil
}

func signAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId := ctx.String(setupFlag.Name)
		if err := svc.SignSetup(ctx.Context, setupId); err != nil {
			return err
		}
		fmt.Printf("setup %s signed\n", setupId)
		return nil
	})
}

func mergeAction(ctx *cli.Context) error {
	var templates []domain.TransactionTemplate
	if err := readJSON(ctx.String(fileFlag.Name), &templates); err != nil {
		return err
	}

	return withService(func(svc application.Service) error {
		setupId := ctx.String(setupFlag.Name)
		if err := svc.MergeSignatures(ctx.Context, setupId, templates); err != nil {
			return err
		}
		fmt.Printf("merged %d counterpart templates into setup %s\n", len(templates), setupId)
		return nil
	})
}

func verifyAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId := ctx.String(setupFlag.Name)
		if err := svc.VerifySetup(ctx.Context, setupId); err != nil {
			return err
		}
		fmt.Printf("setup %s verified\n", setupId)
		return nil
	})
}

func readyAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId, name := ctx.String(setupFlag.Name), ctx.String(templateFlag.Name)
		if err := svc.MarkReady(ctx.Context, setupId, name); err != nil {
			return err
		}
		fmt.Printf("template %s ready\n", name)
		return nil
	})
}

func broadcastAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId, name := ctx.String(setupFlag.Name), ctx.String(templateFlag.Name)
		txid, err := svc.Broadcast(ctx.Context, setupId, name)
		if err != nil {
			return err
		}
		fmt.Println(txid)
		return nil
	})
}

func fundAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId, name := ctx.String(setupFlag.Name), ctx.String(templateFlag.Name)
		txid, err := svc.FundTemplate(ctx.Context, setupId, name, fundOptions(ctx))
		if err != nil {
			return err
		}
		fmt.Println(txid)
		return nil
	})
}

func fundExternalAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId, names := ctx.String(setupFlag.Name), ctx.StringSlice(templatesFlag.Name)
		if err := svc.FundExternal(ctx.Context, setupId, names, fundOptions(ctx)); err != nil {
			return err
		}
		fmt.Printf("funded %d external templates\n", len(names))
		return nil
	})
}

func retryAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId := ctx.String(setupFlag.Name)
		if err := svc.RetrySetup(ctx.Context, setupId); err != nil {
			return err
		}
		fmt.Printf("setup %s moved back to ready\n", setupId)
		return nil
	})
}

func showAction(ctx *cli.Context) error {
	return withService(func(svc application.Service) error {
		setupId := ctx.String(setupFlag.Name)
		setup, err := svc.GetSetup(ctx.Context, setupId)
		if err != nil {
			return err
		}
		templates, err := svc.GetTemplates(ctx.Context, setupId)
		if err != nil {
			return err
		}

		if ctx.Bool(dumpFlag.Name) {
			spew.Dump(setup, templates)
			return nil
		}
		return printJSON(setupFile{*setup, templates})
	})
}

func testScriptsAction(ctx *cli.Context) error {
	role := cfg.Role
	if r := ctx.String(roleFlag.Name); len(r) > 0 {
		role = r
	}
	filterRole, err := domain.ParseRole(role)
	if err != nil {
		return err
	}
	if ctx.Bool(ignoreSignaturesFlag.Name) {
		cfg.IgnoreSignatureErrors = true
	}

	return withService(func(svc application.Service) error {
		results, err := svc.RunScriptTests(
			ctx.Context, ctx.String(setupFlag.Name), application.ScriptTestFilter{
				Role:             filterRole,
				Template:         ctx.String(filterTemplateFlag.Name),
				IncludeTimelocks: ctx.Bool(timelocksFlag.Name),
				Onchain:          ctx.Bool(onchainFlag.Name),
			},
		)
		if err != nil {
			return err
		}

		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				fmt.Printf("FAIL %s: %s\n", res.Case, res.Err)
				continue
			}
			fmt.Printf("ok   %s\n", res.Case)
		}
		fmt.Printf("%d tested, %d failed\n", len(results), failed)
		if failed > 0 {
			return fmt.Errorf("%d script tests failed", failed)
		}
		return nil
	})
}

func withService(fn func(svc application.Service) error) error {
	svc, err := appService()
	if err != nil {
		return err
	}
	defer svc.Stop()

	return fn(svc)
}

func fundOptions(ctx *cli.Context) application.FundOptions {
	return application.FundOptions{
		FeeRate:           chainfee.SatPerKVByte(ctx.Float64(feeRateFlag.Name) * 1000),
		ChangeAddress:     ctx.String(changeAddressFlag.Name),
		TestMempoolAccept: ctx.Bool(testMempoolAcceptFlag.Name),
	}
}

func readJSON(path string, v interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("invalid file %s: %s", path, err)
	}
	return nil
}

func printJSON(resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}

	fmt.Println(string(jsonBytes))
	return nil
}
