package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"

	eminor "github.com/JoeySoprano420/eminor"
)

// config carries driver defaults loadable from a YAML file. Command
// line flags win over config values.
type config struct {
	OutPrefix   string `yaml:"out_prefix"`
	NoStarcheck bool   `yaml:"no_starcheck"`
	LogLevel    string `yaml:"log_level"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{LogLevel: "info"}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return cfg, nil
}

// readAST reads the parser's AST JSON from a file, or stdin for "-".
func readAST(path string) (*eminor.Program, string, error) {
	var data []byte
	var err error
	prefix := "stdin"
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
		prefix = outPrefixFor(path)
	}
	if err != nil {
		return nil, "", err
	}
	prog, err := eminor.DecodeProgram(data)
	if err != nil {
		return nil, "", err
	}
	return prog, prefix, nil
}

func outPrefixFor(file string) string {
	base := path.Base(file)
	return strings.TrimSuffix(base, path.Ext(base))
}

var (
	errText  = color.New(color.FgRed, color.Bold).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
	infoText = color.New(color.FgCyan).SprintFunc()
)

func printIssues(issues []eminor.Issue) {
	for _, is := range issues {
		sev := string(is.Severity)
		switch is.Severity {
		case eminor.SeverityError:
			sev = errText(sev)
		case eminor.SeverityWarn:
			sev = warnText(sev)
		case eminor.SeverityInfo:
			sev = infoText(sev)
		}
		fmt.Printf("%s %s at %d:%d: %s\n", sev, is.Code, is.Line, is.Column, is.Message)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func checkCmd(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return cli.Exit("Insufficient arguments", 1)
	}
	prog, _, err := readAST(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}

	v := &eminor.Validator{WarnRelabel: c.Bool("warn-relabel")}
	issues := v.Validate(prog)
	printIssues(issues)

	if out := c.String("out"); out != "" {
		if err := writeJSON(out, eminor.Report{Issues: issues}); err != nil {
			return cli.Exit(err, 1)
		}
	}
	if eminor.HasErrors(issues) {
		return cli.Exit("Star-Code validation failed", 2)
	}
	return nil
}

func buildCmd(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return cli.Exit("Insufficient arguments", 1)
	}
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	prog, prefix, err := readAST(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}
	if c.IsSet("out-prefix") {
		prefix = c.String("out-prefix")
	} else if cfg.OutPrefix != "" {
		prefix = cfg.OutPrefix
	}

	starcheck := !cfg.NoStarcheck
	if c.Bool("no-starcheck") {
		starcheck = false
	}
	if starcheck {
		issues := eminor.Validate(prog)
		if err := writeJSON(prefix+".star.json", eminor.Report{Issues: issues}); err != nil {
			return cli.Exit(err, 1)
		}
		if eminor.HasErrors(issues) {
			printIssues(issues)
			return cli.Exit("Star-Code validation failed", 2)
		}
		log.WithField("issues", len(issues)).Debug("starcheck passed")
	}

	em := eminor.NewEmitter(prog)
	code, err := em.Compile()
	if err != nil {
		return cli.Exit(err, 1)
	}
	sc := em.Sidecar()

	if err := os.WriteFile(prefix+".ir.bin", code, 0644); err != nil {
		return cli.Exit(err, 1)
	}
	if err := os.WriteFile(prefix+".ir.hex", []byte(eminor.EncodeHex(code)+"\n"), 0644); err != nil {
		return cli.Exit(err, 1)
	}
	if err := writeJSON(prefix+".sym.json", sc); err != nil {
		return cli.Exit(err, 1)
	}

	log.WithFields(log.Fields{
		"bytes":  len(code),
		"consts": len(sc.ConstPool),
		"funcs":  len(sc.FuncIndex),
		"labels": len(sc.Labels),
		"prefix": prefix,
	}).Info("emitted")
	return nil
}

func dumpCmd(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return cli.Exit("Insufficient arguments", 1)
	}
	code, err := os.ReadFile(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}

	var sc *eminor.Sidecar
	if c.Args().Len() >= 2 {
		data, err := os.ReadFile(c.Args().Get(1))
		if err != nil {
			return cli.Exit(err, 1)
		}
		if sc, err = eminor.LoadSidecar(data); err != nil {
			return cli.Exit(err, 1)
		}
	}

	d := eminor.NewDisassembler(code, sc)
	if err := d.Disassemble(os.Stdout); err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "eminor"
	app.Usage = "E Minor IR toolchain: validate ASTs and emit hex opcode streams"
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:      "check",
			Aliases:   []string{"c"},
			Usage:     "Run the Star-Code validator over an AST",
			ArgsUsage: "ast.json",
			Action:    checkCmd,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "warn-relabel",
					Usage: "warn (SC041) when a label is declared more than once",
				},
				&cli.StringFlag{
					Name:  "out",
					Usage: "write the validation report to this file",
				},
			},
		},
		{
			Name:      "build",
			Aliases:   []string{"b"},
			Usage:     "Validate and emit bytecode plus sidecar artifacts",
			ArgsUsage: "ast.json (or '-' for stdin)",
			Action:    buildCmd,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "no-starcheck",
					Usage: "skip Star-Code validation before emission",
				},
				&cli.StringFlag{
					Name:  "out-prefix",
					Usage: "prefix for output artifacts (default: input basename)",
				},
				&cli.StringFlag{
					Name:    "config",
					Aliases: []string{"C"},
					Usage:   "YAML config with driver defaults",
				},
			},
		},
		{
			Name:      "dump",
			Aliases:   []string{"d"},
			Usage:     "Disassemble an emitted byte stream",
			ArgsUsage: "prog.ir.bin [prog.sym.json]",
			Action:    dumpCmd,
		},
	}
	app.Run(os.Args)
}
