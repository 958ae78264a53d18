// swarmctl is an interactive terminal client for a running swarmd
// instance's admin HTTP surface: cluster status, host membership,
// schedules, and registered message types, refreshed on a poll
// interval and filterable with fuzzy matching.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"
)

func main() {
	os.Exit(run())
}

func run() int {
	var addrFlag string
	var profileFlag string
	var saveFlag string

	flagSet := pflag.NewFlagSet("swarmctl", pflag.ContinueOnError)
	flagSet.StringVar(&addrFlag, "addr", "", "swarmd admin address (host:port)")
	flagSet.StringVar(&profileFlag, "profile", "", "named connection profile to use")
	flagSet.StringVar(&saveFlag, "save-profile", "", "save the resolved address under this profile name")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(flagSet)
		return 0
	}

	addr, err := resolveAddr(addrFlag, profileFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if saveFlag != "" {
		if err := persistProfile(saveFlag, addr); err != nil {
			fmt.Fprintln(os.Stderr, "error: save profile:", err)
			return 1
		}
	}

	initial := newModel(addr)
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		initial.width, initial.height = w, h
	}

	program := tea.NewProgram(initial, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// resolveAddr picks the admin address to dial: an explicit --addr wins,
// otherwise --profile is looked up in the saved profile store, otherwise
// the first saved profile, and with no saved profiles the local default.
func resolveAddr(addrFlag, profileFlag string) (string, error) {
	if addrFlag != "" {
		return addrFlag, nil
	}

	profiles, err := loadProfiles()
	if err != nil {
		return "", err
	}

	if profileFlag != "" {
		for _, p := range profiles {
			if p.Name == profileFlag {
				return p.Addr, nil
			}
		}
		return "", fmt.Errorf("no saved profile named %q", profileFlag)
	}

	if len(profiles) > 0 {
		return profiles[0].Addr, nil
	}

	return "localhost:7080", nil
}

func persistProfile(name, addr string) error {
	profiles, err := loadProfiles()
	if err != nil {
		return err
	}
	for i, p := range profiles {
		if p.Name == name {
			profiles[i].Addr = addr
			return saveProfiles(profiles)
		}
	}
	return saveProfiles(append(profiles, profile{Name: name, Addr: addr}))
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, `swarmctl — interactive terminal client for a swarmd admin endpoint.

Usage:
  swarmctl [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
