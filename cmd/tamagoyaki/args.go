package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/johnayoung/tamagoyaki/internal/aggregate"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/models"
)

// errHelp signals that --help was requested for a command.
var errHelp = errors.New("help requested")

// UpdateArgs holds the parsed arguments of the update command.
type UpdateArgs struct {
	Symbol     string
	Range      models.DateRange
	Force      bool
	ConfigPath string
}

// GenerateArgs holds the parsed arguments of the generate command.
type GenerateArgs struct {
	Symbol        string
	Range         models.DateRange
	BucketSeconds int
	OutputDir     string                // empty means the configured default
	EmptyBuckets  aggregate.EmptyPolicy // empty means the configured default
	ConfigPath    string
}

// StatusArgs holds the parsed arguments of the status command.
type StatusArgs struct {
	Symbol     string
	Range      *models.DateRange // nil means everything synced so far
	ConfigPath string
}

// commandLine splits raw arguments into positionals and flag values.
type commandLine struct {
	positional []string
	values     map[string]string
	switches   map[string]bool
}

// parseCommandLine walks args the way the per-command parsers expect: value
// flags take the next argument or an inline "=value", switches take none.
func parseCommandLine(args []string, valueFlags, switchFlags []string) (*commandLine, error) {
	cl := &commandLine{values: map[string]string{}, switches: map[string]bool{}}

	isValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		isValue[f] = true
	}
	isSwitch := make(map[string]bool, len(switchFlags))
	for _, f := range switchFlags {
		isSwitch[f] = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--help" || arg == "-h":
			return nil, errHelp
		case strings.HasPrefix(arg, "--"):
			name, inline, hasInline := strings.Cut(arg, "=")
			switch {
			case isValue[name]:
				if hasInline {
					cl.values[name] = inline
					continue
				}
				if i+1 >= len(args) {
					return nil, apperrors.InvalidArgument("%s requires a value", name)
				}
				cl.values[name] = args[i+1]
				i++
			case isSwitch[name] && !hasInline:
				cl.switches[name] = true
			default:
				return nil, apperrors.InvalidArgument("unknown flag: %s", arg)
			}
		default:
			cl.positional = append(cl.positional, arg)
		}
	}
	return cl, nil
}

func parseSymbolAndRange(positional []string) (string, models.DateRange, error) {
	symbol, err := models.NormalizeSymbol(positional[0])
	if err != nil {
		return "", models.DateRange{}, err
	}
	r, err := models.ParseDateRange(positional[1], positional[2])
	if err != nil {
		return "", models.DateRange{}, err
	}
	return symbol, r, nil
}

// parseUpdateArgs parses: SYMBOL START END [--force] [--config PATH]
func parseUpdateArgs(args []string) (*UpdateArgs, error) {
	cl, err := parseCommandLine(args, []string{"--config"}, []string{"--force"})
	if err != nil {
		return nil, err
	}
	if len(cl.positional) != 3 {
		return nil, apperrors.InvalidArgument("update takes SYMBOL START END, got %d arguments", len(cl.positional))
	}

	symbol, r, err := parseSymbolAndRange(cl.positional)
	if err != nil {
		return nil, err
	}

	return &UpdateArgs{
		Symbol:     symbol,
		Range:      r,
		Force:      cl.switches["--force"],
		ConfigPath: cl.values["--config"],
	}, nil
}

// parseGenerateArgs parses: SYMBOL START END BUCKET [--output-dir DIR] [--empty carry|omit] [--config PATH]
func parseGenerateArgs(args []string) (*GenerateArgs, error) {
	cl, err := parseCommandLine(args, []string{"--output-dir", "--empty", "--config"}, nil)
	if err != nil {
		return nil, err
	}
	if len(cl.positional) != 4 {
		return nil, apperrors.InvalidArgument("generate takes SYMBOL START END BUCKET_SECONDS, got %d arguments", len(cl.positional))
	}

	symbol, r, err := parseSymbolAndRange(cl.positional)
	if err != nil {
		return nil, err
	}

	bucket, err := strconv.Atoi(cl.positional[3])
	if err != nil {
		return nil, apperrors.InvalidArgument("invalid bucket %q: expected a number of seconds", cl.positional[3])
	}
	if bucket <= 0 || 86400%bucket != 0 {
		return nil, apperrors.InvalidArgument("bucket must be a positive divisor of 86400 seconds, got %d", bucket)
	}

	out := &GenerateArgs{
		Symbol:        symbol,
		Range:         r,
		BucketSeconds: bucket,
		OutputDir:     cl.values["--output-dir"],
		ConfigPath:    cl.values["--config"],
	}
	if v, ok := cl.values["--empty"]; ok {
		policy, err := aggregate.ParseEmptyPolicy(v)
		if err != nil {
			return nil, err
		}
		out.EmptyBuckets = policy
	}
	return out, nil
}

// parseStatusArgs parses: SYMBOL [START END] [--config PATH]
func parseStatusArgs(args []string) (*StatusArgs, error) {
	cl, err := parseCommandLine(args, []string{"--config"}, nil)
	if err != nil {
		return nil, err
	}

	out := &StatusArgs{ConfigPath: cl.values["--config"]}
	switch len(cl.positional) {
	case 1:
		if out.Symbol, err = models.NormalizeSymbol(cl.positional[0]); err != nil {
			return nil, err
		}
	case 3:
		symbol, r, err := parseSymbolAndRange(cl.positional)
		if err != nil {
			return nil, err
		}
		out.Symbol, out.Range = symbol, &r
	default:
		return nil, apperrors.InvalidArgument("status takes SYMBOL [START END], got %d arguments", len(cl.positional))
	}
	return out, nil
}

func describeArgs(command string, args []string) string {
	return fmt.Sprintf("%s %s", command, strings.Join(args, " "))
}
