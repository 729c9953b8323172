package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func mainE(ctx context.Context, args []string) error {
	cfg := newConfig()

	app := kingpin.New(filepath.Base(os.Args[0]), "Inspect and extract LE/LX linear executables.").UsageWriter(os.Stdout)
	app.Version(version.Print("lxload"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("base", "Offset of the LE/LX header in the file. The header is located automatically if not set.").Default("-1").Int64Var(&cfg.base)
	app.Flag("container-offset", "Offset of the executable holding the module, used with --base.").Default("0").Int64Var(&cfg.container)
	app.Flag("concurrency", "Number of objects to read at the same time, 0 for no limit.").Default("4").IntVar(&cfg.concurrency)
	app.Flag("max-object-size", "Largest object virtual size to load, 0 for no limit.").Default("1GiB").BytesVar(&cfg.maxObjectSize)

	infoCmd := app.Command("info", "Dump the header, objects and fixups of a module.")
	infoCmd.Arg("file", "Module file.").Required().ExistingFileVar(&cfg.file)
	infoCmd.Flag("format", "Output format: text, json or yaml.").Default(formatText).EnumVar(&cfg.info.format, formatText, formatJSON, formatYAML)

	objectsCmd := app.Command("objects", "List the objects of a module.")
	objectsCmd.Arg("file", "Module file.").Required().ExistingFileVar(&cfg.file)

	extractCmd := app.Command("extract", "Write the contents of objects, with fixups applied, to files.")
	extractCmd.Arg("file", "Module file.").Required().ExistingFileVar(&cfg.file)
	extractCmd.Flag("output", "Output directory.").Short('o').Required().StringVar(&cfg.extract.output)
	extractCmd.Flag("object", "Number of an object to extract, may be repeated. All objects are extracted if not set.").IntsVar(&cfg.extract.objects)

	entryCmd := app.Command("entry", "Print the entry point address of a module.")
	entryCmd.Arg("file", "Module file.").Required().ExistingFileVar(&cfg.file)

	parsedCmd, err := app.Parse(args)
	if err != nil {
		return err
	}

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch parsedCmd {
	case infoCmd.FullCommand():
		return info(ctx, cfg)
	case objectsCmd.FullCommand():
		return objects(ctx, cfg)
	case extractCmd.FullCommand():
		return extract(ctx, cfg)
	case entryCmd.FullCommand():
		return entry(ctx, cfg)
	default:
		return fmt.Errorf("unknown command %q", parsedCmd)
	}
}

func main() {
	ctx := withOutput(context.Background(), os.Stdout)
	if err := mainE(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
