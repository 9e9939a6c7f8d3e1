package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrick/flagfile"
	"github.com/mitchellh/go-homedir"
)

const appName = "omemochat"

// errCmdDone signals loadConfig() completed everything the cmd had to do
// and main() should exit.
var errCmdDone = errors.New("cmd done")

type config struct {
	RootDir     string
	LogFile     string
	MaxLogFiles int
	DebugLevel  string

	AliceJid string
	BobJid   string
	Messages []string
}

func defaultRootDir() string {
	dir, err := homedir.Expand("~/." + appName)
	if err != nil {
		return "." + appName
	}
	return dir
}

func loadConfig() (*config, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	flagCfgFile := fs.String("cfg", "", "path to config file")
	flagRootDir := fs.String("root", defaultRootDir(), "root of all app data")
	flagLogFile := fs.String("logfile", "", "log file location (empty for logs/omemochat.log under the root dir)")
	flagMaxLogFiles := fs.Int("maxlogfiles", 3, "max log files to keep")
	flagDebugLevel := fs.String("debuglevel", "info", "per-subsys debug level (subsys=level list)")
	flagAliceJid := fs.String("alicejid", "alice@example.org", "jid of the first demo account")
	flagBobJid := fs.String("bobjid", "bob@example.org", "jid of the second demo account")
	flagMsgs := fs.String("messages", "hello bob!,hi alice!", "comma separated demo messages")
	flagVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if *flagVersion {
		fmt.Println(appName, "0.1.0")
		return nil, errCmdDone
	}

	// Apply the config file on top of the defaults, then re-apply the
	// command line so it takes precedence.
	if *flagCfgFile != "" {
		f, err := os.Open(*flagCfgFile)
		if err != nil {
			return nil, fmt.Errorf("unable to open config file: %w", err)
		}
		parser := flagfile.Parser{ParseSections: true}
		err = parser.Parse(f, fs)
		f.Close()
		if err != nil {
			return nil, err
		}
		if err := fs.Parse(os.Args[1:]); err != nil {
			return nil, err
		}
	}

	rootDir, err := homedir.Expand(*flagRootDir)
	if err != nil {
		return nil, fmt.Errorf("invalid root dir: %w", err)
	}
	logFile := *flagLogFile
	if logFile == "" && rootDir != "" {
		logFile = filepath.Join(rootDir, "logs", appName+".log")
	}

	var msgs []string
	for _, m := range strings.Split(*flagMsgs, ",") {
		if m = strings.TrimSpace(m); m != "" {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("flag 'messages' cannot be empty")
	}

	return &config{
		RootDir:     rootDir,
		LogFile:     logFile,
		MaxLogFiles: *flagMaxLogFiles,
		DebugLevel:  *flagDebugLevel,
		AliceJid:    *flagAliceJid,
		BobJid:      *flagBobJid,
		Messages:    msgs,
	}, nil
}
