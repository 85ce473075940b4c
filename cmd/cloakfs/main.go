// Command cloakfs creates, mounts, and unmounts encrypted filesystems
// backed by a directory of encrypted blocks.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/absfs/osfs"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/cloakfs/cloakfs"
	"github.com/cloakfs/cloakfs/blocks"
)

const (
	// envFrontend set to "noninteractive" reads the passphrase from stdin
	// without a terminal prompt.
	envFrontend = "CLOAKFS_FRONTEND"
	// envNoUpdateCheck suppresses the new-version notice.
	envNoUpdateCheck = "CLOAKFS_NO_UPDATE_CHECK"

	version = "0.9.0"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = cmdCreate(os.Args[2:])
	case "mount":
		err = cmdMount(os.Args[2:])
	case "unmount":
		err = cmdUnmount(os.Args[2:])
	case "ciphers":
		err = cmdCiphers()
	case "version", "--version":
		fmt.Printf("cloakfs %s\n", version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloakfs: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `cloakfs %s - encrypted block storage

Usage:
  cloakfs create  --basedir DIR [--cipher NAME] [--blocksize BYTES] [flags]
  cloakfs mount   --basedir DIR [--foreground] [--unmount-idle DUR] [flags]
  cloakfs unmount --basedir DIR
  cloakfs ciphers
  cloakfs version

Common flags:
  --config PATH     config file location (default: <basedir>/cloakfs.config)
  --settings FILE   YAML settings file; command-line flags take precedence
  --logfile FILE    append structured logs to FILE instead of stderr

Environment:
  CLOAKFS_LOCAL_STATE_DIR  override the local trust registry directory
  CLOAKFS_FRONTEND         "noninteractive" reads the passphrase from stdin
  CLOAKFS_NO_UPDATE_CHECK  suppress the new-version notice
`, version)
}

// settings are the YAML-file knobs, overridable per flag.
type settings struct {
	Cipher                   string        `koanf:"cipher"`
	BlockSize                uint          `koanf:"blocksize"`
	UnmountIdle              time.Duration `koanf:"unmount-idle"`
	LogFile                  string        `koanf:"logfile"`
	AllowIntegrityViolations bool          `koanf:"allow-integrity-violations"`
	MissingBlockIsViolation  bool          `koanf:"missing-block-is-violation"`
	AllowReplacedFilesystem  bool          `koanf:"allow-replaced-filesystem"`
	AllowUpgrade             bool          `koanf:"allow-filesystem-upgrade"`
}

func loadSettings(path string) (settings, error) {
	var s settings
	if path == "" {
		return s, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return s, fmt.Errorf("failed to load settings file %s: %w", path, err)
	}
	if err := k.Unmarshal("", &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return s, nil
}

func newLogger(logfile string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(f)
	}
	return log, nil
}

// readPassphrase prompts on the terminal, or reads one line from stdin
// when the frontend is noninteractive.
func readPassphrase(prompt string, confirm bool) ([]byte, error) {
	if os.Getenv(envFrontend) == "noninteractive" {
		r := bufio.NewReader(os.Stdin)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("failed to read passphrase from stdin: %w", err)
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		if string(pass) != string(again) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	return pass, nil
}

func updateNotice(log *logrus.Logger) {
	if os.Getenv(envNoUpdateCheck) != "" {
		return
	}
	log.Debugf("running cloakfs %s; set %s to silence this notice", version, envNoUpdateCheck)
}

func baseOptions(basedir, configPath string, s settings, log *logrus.Logger) (cloakfs.Options, error) {
	abs, err := filepath.Abs(basedir)
	if err != nil {
		return cloakfs.Options{}, err
	}
	base, err := osfs.NewFS()
	if err != nil {
		return cloakfs.Options{}, fmt.Errorf("failed to open base filesystem: %w", err)
	}
	return cloakfs.Options{
		Base:                     base,
		BaseDir:                  abs,
		ConfigPath:               configPath,
		AllowIntegrityViolations: s.AllowIntegrityViolations,
		MissingBlockIsViolation:  s.MissingBlockIsViolation,
		AllowReplacedFilesystem:  s.AllowReplacedFilesystem,
		AllowFilesystemUpgrade:   s.AllowUpgrade,
		IdleTimeout:              s.UnmountIdle,
		Logger:                   log,
	}, nil
}

func cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	basedir := fs.String("basedir", "", "directory that will hold the encrypted blocks")
	cipher := fs.String("cipher", "", "cipher suite (see 'cloakfs ciphers')")
	blocksize := fs.Uint("blocksize", 0, "block payload size in bytes")
	configPath := fs.String("config", "", "config file location")
	settingsPath := fs.String("settings", "", "YAML settings file")
	logfile := fs.String("logfile", "", "log file")
	fs.Parse(args)

	if *basedir == "" {
		return fmt.Errorf("create: --basedir is required")
	}
	s, err := loadSettings(*settingsPath)
	if err != nil {
		return err
	}
	if *cipher != "" {
		s.Cipher = *cipher
	}
	if *blocksize != 0 {
		s.BlockSize = *blocksize
	}
	if *logfile != "" {
		s.LogFile = *logfile
	}

	log, err := newLogger(s.LogFile)
	if err != nil {
		return err
	}
	updateNotice(log)

	suite := blocks.SuiteAuto
	if s.Cipher != "" {
		suite, err = blocks.SuiteFromName(s.Cipher)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(*basedir, 0o700); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	opts, err := baseOptions(*basedir, *configPath, s, log)
	if err != nil {
		return err
	}
	opts.Cipher = suite
	opts.BlockSize = uint32(s.BlockSize)

	pass, err := readPassphrase("Passphrase for new filesystem: ", true)
	if err != nil {
		return err
	}
	if err := cloakfs.Create(opts, pass); err != nil {
		return err
	}
	fmt.Printf("Created encrypted filesystem in %s\n", *basedir)
	return nil
}

func cmdMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	basedir := fs.String("basedir", "", "directory holding the encrypted blocks")
	configPath := fs.String("config", "", "config file location")
	settingsPath := fs.String("settings", "", "YAML settings file")
	logfile := fs.String("logfile", "", "log file")
	foreground := fs.Bool("foreground", false, "stay in the foreground")
	idle := fs.Duration("unmount-idle", 0, "unmount automatically after this idle period")
	allowViolations := fs.Bool("allow-integrity-violations", false, "accept blocks that fail integrity checks")
	missingIsViolation := fs.Bool("missing-block-is-violation", false, "treat missing known blocks as attacks")
	allowReplaced := fs.Bool("allow-replaced-filesystem", false, "accept a different filesystem at a known location")
	allowUpgrade := fs.Bool("allow-filesystem-upgrade", false, "migrate older on-disk format versions")
	fs.Parse(args)

	if *basedir == "" {
		return fmt.Errorf("mount: --basedir is required")
	}
	s, err := loadSettings(*settingsPath)
	if err != nil {
		return err
	}
	if *logfile != "" {
		s.LogFile = *logfile
	}
	if *idle != 0 {
		s.UnmountIdle = *idle
	}
	if *allowViolations {
		s.AllowIntegrityViolations = true
	}
	if *missingIsViolation {
		s.MissingBlockIsViolation = true
	}
	if *allowReplaced {
		s.AllowReplacedFilesystem = true
	}
	if *allowUpgrade {
		s.AllowUpgrade = true
	}

	if !*foreground {
		return respawnForeground()
	}

	log, err := newLogger(s.LogFile)
	if err != nil {
		return err
	}
	updateNotice(log)

	opts, err := baseOptions(*basedir, *configPath, s, log)
	if err != nil {
		return err
	}

	pass, err := readPassphrase("Passphrase: ", false)
	if err != nil {
		return err
	}

	mounted, err := cloakfs.Mount(opts, pass)
	if err != nil {
		return err
	}

	pidPath, err := pidfilePath(opts.BaseDir)
	if err == nil {
		if werr := writePidfile(pidPath); werr != nil {
			log.WithError(werr).Warn("could not write pidfile, 'cloakfs unmount' will not find this mount")
		} else {
			defer os.Remove(pidPath)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("signal received, unmounting")
	case <-mounted.Done():
	}
	return mounted.Unmount()
}

// respawnForeground re-executes the current invocation detached from the
// controlling terminal, with --foreground appended.
func respawnForeground() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append(os.Args[1:], "--foreground")
	cmd := exec.Command(exe, args...)
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start background mount: %w", err)
	}
	fmt.Printf("Mounting in background (pid %d)\n", cmd.Process.Pid)
	return nil
}

func cmdUnmount(args []string) error {
	fs := flag.NewFlagSet("unmount", flag.ExitOnError)
	basedir := fs.String("basedir", "", "directory holding the encrypted blocks")
	fs.Parse(args)

	if *basedir == "" {
		return fmt.Errorf("unmount: --basedir is required")
	}
	abs, err := filepath.Abs(*basedir)
	if err != nil {
		return err
	}
	pidPath, err := pidfilePath(abs)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return fmt.Errorf("no mount found for %s: %w", abs, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("corrupt pidfile %s: %w", pidPath, err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	fmt.Printf("Sent unmount signal to pid %d\n", pid)
	return nil
}

func cmdCiphers() error {
	for _, s := range blocks.Suites() {
		fmt.Println(s.String())
	}
	return nil
}

func pidfilePath(baseDir string) (string, error) {
	stateDir, err := cloakfs.DefaultLocalStateDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(stateDir, "mounts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := strings.ReplaceAll(strings.TrimPrefix(baseDir, string(filepath.Separator)), string(filepath.Separator), "_")
	return filepath.Join(dir, name+".pid"), nil
}

func writePidfile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}
