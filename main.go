package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"AutoFocusServer/config"

	"gopkg.in/yaml.v3"
)

// Version is injected with -ldflags at build time.
var Version = "dev"

func root() {
	str := `AutoFocusServer drives an automated microscope: it walks a stage
trajectory, finds specimens in each field, focuses on them and saves images.
A REST and websocket API controls runs; a gRPC health service reports state.

Usage:
	AutoFocusServer <command> [-config config.yaml]

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `Configuration is layered: built-in defaults, then the YAML file, then
environment variables prefixed AFS_, with __ separating sections, e.g.

	AFS_HARDWARE__MODE=http AFS_AUTOFOCUS__COARSE_STEP=2 AutoFocusServer run

"mkconf" writes the defaults to config.yaml so they can be edited.

hardware.mode selects the rig:
- sim	simulated stage, focus axis and camera (default)
- http	motion and camera servers speaking /axis/{axis}/pos and /image`
	fmt.Println(str)
}

func main() {
	if len(os.Args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(os.Args[1])
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	path := fs.String("config", config.FileName, "configuration file")
	_ = fs.Parse(os.Args[2:])

	switch cmd {
	case "help":
		help()
	case "mkconf":
		if err := config.WriteDefault(*path); err != nil {
			log.Fatal(err)
		}
		fmt.Println("wrote", *path)
	case "conf":
		c, err := config.Load(*path)
		if err != nil {
			log.Fatal(err)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			log.Fatal(err)
		}
	case "run":
		if err := run(*path); err != nil {
			log.Fatal(err)
		}
	case "version":
		fmt.Printf("AutoFocusServer version %v\n", Version)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}
