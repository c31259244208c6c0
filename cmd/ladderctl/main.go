package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"ladder/pkg/models"
	"ladder/pkg/policyengine"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "check-action":
		return checkAction(args[1:], out)
	case "check-network":
		return checkNetwork(args[1:], out)
	case "check-diff":
		return checkDiff(args[1:], out)
	case "summary":
		return summary(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "ladderctl commands:")
	fmt.Fprintln(out, "  check-action --package pkg.json --action deploy_service")
	fmt.Fprintln(out, "  check-network --package pkg.json --host api.example.com")
	fmt.Fprintln(out, "  check-diff --package pkg.json --diff change.patch")
	fmt.Fprintln(out, "  summary --package pkg.json")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// loadEngine reads a compiled context package and builds the local engine
// over it. Integrity verification happens inside the constructor, so a
// tampered file fails here before any check runs.
func loadEngine(path string) (*policyengine.Engine, error) {
	if path == "" {
		return nil, errors.New("package required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}
	var pkg models.CompiledContextPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("decode package: %w", err)
	}
	engine, err := policyengine.New(pkg)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}
	return engine, nil
}

func writeIndented(out io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func checkAction(args []string, out io.Writer) error {
	fs := newFlagSet("check-action")
	pkgPath := fs.String("package", "", "compiled context package json")
	action := fs.String("action", "", "action name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" {
		return errors.New("action required")
	}
	engine, err := loadEngine(*pkgPath)
	if err != nil {
		return err
	}
	decision := engine.CheckAction(*action)
	if err := writeIndented(out, decision); err != nil {
		return err
	}
	if decision.Decision == models.DecisionBlock {
		return fmt.Errorf("action %s is blocked", *action)
	}
	return nil
}

func checkNetwork(args []string, out io.Writer) error {
	fs := newFlagSet("check-network")
	pkgPath := fs.String("package", "", "compiled context package json")
	host := fs.String("host", "", "destination host")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" {
		return errors.New("host required")
	}
	engine, err := loadEngine(*pkgPath)
	if err != nil {
		return err
	}
	result := engine.CheckNetwork(*host)
	if err := writeIndented(out, result); err != nil {
		return err
	}
	if !result.Allowed {
		return fmt.Errorf("host %s is not reachable under the current policy", *host)
	}
	return nil
}

func checkDiff(args []string, out io.Writer) error {
	fs := newFlagSet("check-diff")
	pkgPath := fs.String("package", "", "compiled context package json")
	diffPath := fs.String("diff", "", "unified diff file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *diffPath == "" {
		return errors.New("diff required")
	}
	engine, err := loadEngine(*pkgPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(*diffPath)
	if err != nil {
		return fmt.Errorf("read diff: %w", err)
	}
	violations := engine.CheckDiff(string(raw))
	if err := writeIndented(out, violations); err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("%d prohibited pattern match(es) in diff", len(violations))
	}
	return nil
}

func summary(args []string, out io.Writer) error {
	fs := newFlagSet("summary")
	pkgPath := fs.String("package", "", "compiled context package json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	engine, err := loadEngine(*pkgPath)
	if err != nil {
		return err
	}
	return writeIndented(out, engine.PolicySummary())
}
