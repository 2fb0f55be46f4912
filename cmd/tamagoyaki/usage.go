package main

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - OHLCV store and candlestick exporter v%s

USAGE:
    %s <command> [arguments] [options]

COMMANDS:
    update      Download trades for a symbol and date range into the local store
    generate    Write a candlestick CSV for a symbol, date range and bucket width
    status      Show synced days, coverage gaps and store statistics
    help        Show help for a command

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Store 1-second records for the first three days of 2024
    %s update BTCUSDT 20240101 20240103

    # Export them as 60-second candlesticks
    %s generate BTCUSDT 20240101 20240103 60

    # See which days are stored
    %s status BTCUSDT

CONFIGURATION:
    Configuration can be provided via:
    - Config file: <working_dir>/tamagoyaki.json, or --config PATH
    - A .env file in the current directory
    - Environment variables: TAMAGOYAKI_* (e.g., TAMAGOYAKI_STORAGE_TYPE=sqlite)

    The working directory defaults to ~/.tamagoyaki_db and holds the
    database and the rotating log file.

EXIT CODES:
    0 success, 1 usage or invalid argument, 2 configuration,
    3 data provider, 4 no data or storage, 130 interrupted

For detailed help on any command, use: %s help <command>
`, AppName, Version, AppName, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints help for one command and reports whether it exists.
func printCommandHelp(w io.Writer, command string) bool {
	switch command {
	case "update":
		fmt.Fprintf(w, `%s update - Bring the local store up to date

USAGE:
    %s update <SYMBOL> <YYYYMMDD_start> <YYYYMMDD_end> [options]

OPTIONS:
    --force            Refetch days that are already synced
    --config <path>    Configuration file to load
    --help, -h         Show this help message

EXAMPLES:
    %s update BTCUSDT 20240101 20240131
    %s update ETHUSDT 20240105 20240105 --force

NOTES:
    - Both dates are inclusive UTC days
    - Days already synced are skipped unless --force is given
    - Days the provider has no archive for are reported and skipped
    - Re-running never duplicates records
`, AppName, AppName, AppName, AppName)

	case "generate":
		fmt.Fprintf(w, `%s generate - Export candlesticks to CSV

USAGE:
    %s generate <SYMBOL> <YYYYMMDD_start> <YYYYMMDD_end> <BUCKET_SECONDS> [options]

OPTIONS:
    --output-dir <dir>     Directory for the CSV (default: current directory)
    --empty <policy>       Empty buckets: carry (default) or omit
    --config <path>        Configuration file to load
    --help, -h             Show this help message

EXAMPLES:
    %s generate BTCUSDT 20240101 20240103 60
    %s generate BTCUSDT 20240101 20240103 3600 --empty omit --output-dir ./out

NOTES:
    - BUCKET_SECONDS must divide 86400 (1, 5, 60, 300, 3600, ...)
    - Buckets are aligned to the Unix epoch
    - Output: <SYMBOL>_<start>_<end>_<BUCKET>s.csv with columns
      timestamp,open,high,low,close,volume,buy_volume,sell_volume,trades
    - carry repeats the previous close with zero volume in empty buckets
    - Fails without writing a file when the range has no stored records
`, AppName, AppName, AppName, AppName)

	case "status":
		fmt.Fprintf(w, `%s status - Show stored coverage

USAGE:
    %s status <SYMBOL> [<YYYYMMDD_start> <YYYYMMDD_end>]

OPTIONS:
    --config <path>    Configuration file to load
    --help, -h         Show this help message

EXAMPLES:
    %s status BTCUSDT
    %s status BTCUSDT 20240101 20240131

NOTES:
    - Without a range, covers the first through the last synced day
`, AppName, AppName, AppName, AppName)

	default:
		return false
	}
	return true
}
