// Copyright 2025, Jason S. McMullan <jason.mcmullan@gmail.com>

package main

import (
	"flag"
	"fmt"
	"log"
	"maps"
	"os"

	"github.com/ezrec/ucriscv/cpu"
	"github.com/ezrec/ucriscv/emulator"
)

func main() {
	var compile string
	var image string
	var entry uint
	var output string
	var arena uint
	var limit int
	var dump bool
	var verbose bool

	flag.StringVar(&compile, "c", "", ".s file to assemble and run")
	flag.StringVar(&image, "i", "", "Flat binary image to run")
	flag.UintVar(&entry, "e", 0, "Entry point for -i images")
	flag.StringVar(&output, "o", "-", "Console output")
	flag.UintVar(&arena, "a", 0, "Arena size in bytes (0 = default)")
	flag.IntVar(&limit, "l", 0, "Step limit (0 = unlimited)")
	flag.BoolVar(&dump, "d", false, "Dump registers on exit")
	flag.BoolVar(&verbose, "v", false, "Verbose mode")

	flag.Parse()

	if flag.NArg() != 0 {
		log.Fatalf("%v: Unknown arguments: %v", os.Args[0], flag.Args())
	}

	if len(compile) == 0 && len(image) == 0 {
		log.Fatalf("%v: No program given (-c or -i)", os.Args[0])
	}

	emu, err := emulator.NewEmulator(uint32(arena))
	if err != nil {
		log.Fatal(err)
	}
	defer emu.Close()
	emu.Verbose = verbose

	if output == "-" {
		emu.Console = os.Stdout
	} else {
		ouf, err := os.Create(output)
		if err != nil {
			log.Fatalf("%v: %v", output, err)
		}
		defer ouf.Close()
		emu.Console = ouf
	}

	if len(compile) != 0 {
		inf, err := os.Open(compile)
		if err != nil {
			log.Fatalf("%v: %v", compile, err)
		}
		defer inf.Close()

		asm := &cpu.Assembler{Equate: maps.Collect(emu.Defines())}
		prog, err := asm.Parse(inf)
		if err != nil {
			log.Fatalf("%v: %v", compile, err)
		}

		err = emu.Load(prog)
		if err != nil {
			log.Fatalf("%v: %v", compile, err)
		}
	} else {
		flat, err := os.ReadFile(image)
		if err != nil {
			log.Fatalf("%v: %v", image, err)
		}

		err = emu.LoadImage(flat, uint32(entry))
		if err != nil {
			log.Fatalf("%v: %v", image, err)
		}
	}

	emu.Start()

	err = emu.Run(limit)
	if err != nil {
		log.Fatalf("%v: %v", compile, err)
	}

	if dump {
		fmt.Print(emu.Core.String())
	}

	os.Exit(int(emu.ExitCode & 0xff))
}
