// Command kernelsim drives the boot init sequence against a synthetic
// device tree and a simulated physical address space, standing in for
// the boot-assembly shim a real firmware handoff would run through.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/rvkernel/internal/boot"
	"github.com/tinyrange/rvkernel/internal/console"
	"github.com/tinyrange/rvkernel/internal/kernelsim"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernelsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a BootConfig YAML file (default: built-in defaults)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	interactive := flag.Bool("interactive", false, "Bridge the host terminal to the simulated console after boot")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	machine, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}

	boot.PlatformExit = func(code int) {
		os.Exit(code)
	}

	k, err := boot.Init(machine.FDT, machine.Mem, machine.Layout, cfg.HartID)
	if err != nil {
		boot.Fatal(err)
		return err
	}

	slog.Info("boot complete",
		"free_bytes", k.FreeBytes,
		"hart", k.HartID,
		"console", k.Console != nil,
		"root_table", k.Mapper.Root(),
	)

	if *interactive {
		if k.Console == nil {
			return errors.New("kernelsim: -interactive requires a console device, but none was resolved from the FDT")
		}
		return bridgeConsole(k.Console)
	}
	return nil
}

func loadConfig(path string) (kernelsim.BootConfig, error) {
	if path == "" {
		return kernelsim.DefaultBootConfig(), nil
	}
	return kernelsim.LoadBootConfig(path)
}

// bridgeConsole pipes bytes typed at the host terminal into the
// console device's transmit path, putting the terminal in raw mode for
// the duration of the bridge so keystrokes arrive one at a time rather
// than line-buffered. There is no running CPU in this harness to
// produce receive-side output, so the bridge only exercises
// WriteByte and echoes locally what raw mode would otherwise swallow.
func bridgeConsole(dev *console.Device) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("kernelsim: -interactive requires a terminal on stdin")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintln(os.Stderr, "kernelsim: bridging console, press Ctrl-D to exit")

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n == 0 || err != nil {
			return nil
		}
		b := buf[0]
		if b == 0x04 { // Ctrl-D
			return nil
		}
		if err := dev.WriteByte(b); err != nil {
			return fmt.Errorf("write console byte: %w", err)
		}
		if _, err := os.Stdout.Write([]byte{b}); err != nil {
			return err
		}
	}
}
