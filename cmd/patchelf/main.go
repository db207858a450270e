package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fzakaria/patchelf"
)

var cfg struct {
	verbose bool
	output  string
	file    string

	interpreter struct {
		path string
	}
	rpath struct {
		path   string
		append bool
	}
	needed struct {
		lib      string
		old      string
		new      string
		ifAbsent bool
	}
	soname struct {
		name string
	}
}

var logger = log.NewLogfmtLogger(os.Stderr)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Edit dynamic linking metadata of built ELF binaries.").UsageWriter(os.Stdout)
	app.Version(version.Print("patchelf"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("output", "Where to write the edited binary. Defaults to rewriting the input in place.").Short('o').StringVar(&cfg.output)

	printCmd := app.Command("print", "Print the dynamic linking metadata of a binary.")
	printCmd.Arg("file", "ELF binary to inspect.").Required().ExistingFileVar(&cfg.file)

	setInterpCmd := app.Command("set-interpreter", "Change the dynamic loader path.")
	setInterpCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)
	setInterpCmd.Arg("path", "New interpreter path.").Required().StringVar(&cfg.interpreter.path)

	setRPathCmd := app.Command("set-rpath", "Set the DT_RPATH library search path.")
	setRPathCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)
	setRPathCmd.Arg("path", "Search path, colon separated.").Required().StringVar(&cfg.rpath.path)
	setRPathCmd.Flag("append", "Append to the existing path instead of replacing it.").BoolVar(&cfg.rpath.append)

	setRunPathCmd := app.Command("set-runpath", "Set the DT_RUNPATH library search path.")
	setRunPathCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)
	setRunPathCmd.Arg("path", "Search path, colon separated.").Required().StringVar(&cfg.rpath.path)
	setRunPathCmd.Flag("append", "Append to the existing path instead of replacing it.").BoolVar(&cfg.rpath.append)

	removeRPathCmd := app.Command("remove-rpath", "Remove every DT_RPATH and DT_RUNPATH entry.")
	removeRPathCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)

	addNeededCmd := app.Command("add-needed", "Add a DT_NEEDED library dependency.")
	addNeededCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)
	addNeededCmd.Arg("library", "Library name to add.").Required().StringVar(&cfg.needed.lib)
	addNeededCmd.Flag("if-absent", "Succeed without change when the dependency already exists.").BoolVar(&cfg.needed.ifAbsent)

	removeNeededCmd := app.Command("remove-needed", "Remove a DT_NEEDED library dependency.")
	removeNeededCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)
	removeNeededCmd.Arg("library", "Library name to remove.").Required().StringVar(&cfg.needed.lib)

	replaceNeededCmd := app.Command("replace-needed", "Rename a DT_NEEDED library dependency.")
	replaceNeededCmd.Arg("file", "ELF binary to edit.").Required().ExistingFileVar(&cfg.file)
	replaceNeededCmd.Arg("old", "Current library name.").Required().StringVar(&cfg.needed.old)
	replaceNeededCmd.Arg("new", "Replacement library name.").Required().StringVar(&cfg.needed.new)

	setSonameCmd := app.Command("set-soname", "Change the DT_SONAME of a shared library.")
	setSonameCmd.Arg("file", "Shared library to edit.").Required().ExistingFileVar(&cfg.file)
	setSonameCmd.Arg("name", "New shared object name.").Required().StringVar(&cfg.soname.name)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	rpathMode := patchelf.RPathReplace
	if cfg.rpath.append {
		rpathMode = patchelf.RPathAppend
	}

	switch parsedCmd {
	case printCmd.FullCommand():
		os.Exit(checkError(printInfo(cfg.file)))
	case setInterpCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.SetInterpreter(cfg.interpreter.path)
		})))
	case setRPathCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.SetRPath(cfg.rpath.path, rpathMode)
		})))
	case setRunPathCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.SetRunPath(cfg.rpath.path, rpathMode)
		})))
	case removeRPathCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.RemoveRPath()
		})))
	case addNeededCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.AddNeeded(cfg.needed.lib, cfg.needed.ifAbsent)
		})))
	case removeNeededCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.RemoveNeeded(cfg.needed.lib)
		})))
	case replaceNeededCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.ReplaceNeeded(cfg.needed.old, cfg.needed.new)
		})))
	case setSonameCmd.FullCommand():
		os.Exit(checkError(editFile(func(img *patchelf.Image) error {
			return img.SetSoname(cfg.soname.name)
		})))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
