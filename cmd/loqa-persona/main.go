package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-voicechat/internal/persona"
)

var version = "0.1.0-dev"

func main() {
	var (
		personaFile string
		showFile    string
		showID      string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&personaFile, "file", "personas.yaml", "Path to persona file")
	showCmd := flag.NewFlagSet("show", flag.ExitOnError)
	showCmd.StringVar(&showFile, "file", "", "Optional persona file overriding the builtin companions")
	showCmd.StringVar(&showID, "id", "", "Companion id (fox, dolphin, owl); empty lists all")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'show' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(personaFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("persona file valid")
	case "show":
		showCmd.Parse(os.Args[2:])
		if err := runShow(showFile, showID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	f, err := persona.Load(path)
	if err != nil {
		return err
	}
	return persona.Validate(f)
}

func runShow(path, id string) error {
	table, err := persona.LoadTable(path, "")
	if err != nil {
		return err
	}
	var out any = table.All()
	if id != "" {
		parsed := persona.Parse(id)
		if !parsed.Known() {
			return fmt.Errorf("unknown companion %q", id)
		}
		out = table.Lookup(parsed)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
