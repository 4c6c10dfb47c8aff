package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"strconv"

	"github.com/flashkit/bekenboot"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// profile holds settings that can be kept in a yaml file instead of being
// passed on every invocation. Flags given on the command line win.
type profile struct {
	Port      string `yaml:"port"`
	Baud      int    `yaml:"baud"`
	Transport string `yaml:"transport"`
	Backend   string `yaml:"backend"`
	Reboot    string `yaml:"reboot"`
	Address   string `yaml:"address"`
	Protect   *bool  `yaml:"protect,omitempty"`
	Retries   int    `yaml:"retries"`
}

var (
	cfg = profile{
		Baud:      bekenboot.DefaultBaudRate,
		Transport: "serial",
		Backend:   bekenboot.BackendBeken.String(),
		Reboot:    bekenboot.RebootReset.String(),
		Address:   "0x11000",
		Retries:   bekenboot.DefaultRetries,
	}
	profilePath   string
	verbose       bool
	manualTimeout = bekenboot.DefaultManualResetTimeout
)

var rootCmd = &cobra.Command{
	Use:           "bekenboot",
	Short:         "Flash Beken chips through their boot ROM",
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		if profilePath == "" {
			return nil
		}
		return loadProfile(cmd, profilePath)
	},
}

func init() {
	// Format the defaults in YAML as an example for the help text.
	buf := new(bytes.Buffer)
	yaml.NewEncoder(buf).Encode(cfg)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.Port, "port", "p", "", "serial port name")
	flags.IntVarP(&cfg.Baud, "baud", "b", cfg.Baud, "working baud rate for erase and write")
	flags.StringVar(&cfg.Transport, "transport", cfg.Transport, "serial (DTR/RTS reset) or manual (reset the target by hand)")
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "bootloader protocol family")
	flags.DurationVar(&manualTimeout, "manual-timeout", manualTimeout, "how long to wait for a hand reset with the manual transport")
	flags.IntVar(&cfg.Retries, "retries", cfg.Retries, "retries per command")
	flags.StringVar(&profilePath, "profile", "", "yaml profile file. Example:\n\n"+buf.String())
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

// loadProfile reads the yaml file and applies every value whose flag was not
// given explicitly.
func loadProfile(cmd *cobra.Command, path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to open profile file")
	}
	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "failed to parse profile file")
	}
	set := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f == nil || !f.Changed
	}
	if p.Port != "" && set("port") {
		cfg.Port = p.Port
	}
	if p.Baud != 0 && set("baud") {
		cfg.Baud = p.Baud
	}
	if p.Transport != "" && set("transport") {
		cfg.Transport = p.Transport
	}
	if p.Backend != "" && set("backend") {
		cfg.Backend = p.Backend
	}
	if p.Reboot != "" && set("reboot") {
		cfg.Reboot = p.Reboot
	}
	if p.Address != "" && set("addr") {
		cfg.Address = p.Address
	}
	if p.Protect != nil && set("no-protect") {
		cfg.Protect = p.Protect
	}
	if p.Retries != 0 && set("retries") {
		cfg.Retries = p.Retries
	}
	log.Debugf("profile %s: %+v", path, cfg)
	return nil
}

func newTransport() (bekenboot.Transport, error) {
	if cfg.Port == "" {
		return nil, errors.New("must specify port")
	}
	switch cfg.Transport {
	case "serial":
		return bekenboot.NewSerialTransport(cfg.Port), nil
	case "manual":
		return bekenboot.NewManualResetTransport(cfg.Port), nil
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.Transport)
	}
}

// newProgrammer builds a programmer from the flags and profile.
func newProgrammer(extra ...bekenboot.Option) (bekenboot.Programmer, error) {
	transport, err := newTransport()
	if err != nil {
		return nil, err
	}
	backend, err := bekenboot.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	reboot, err := bekenboot.ParseRebootVariant(cfg.Reboot)
	if err != nil {
		return nil, err
	}
	opts := append([]bekenboot.Option{
		bekenboot.WithBaudRate(cfg.Baud),
		bekenboot.WithRetries(cfg.Retries),
		bekenboot.WithRebootVariant(reboot),
		bekenboot.WithStopFlag(stopped),
		bekenboot.WithManualResetTimeout(manualTimeout),
		bekenboot.WithProgress(newProgressRenderer().update),
	}, extra...)
	return bekenboot.NewProgrammer(backend, transport, opts...)
}

// withConnection connects, runs fn and disconnects.
func withConnection(fn func(ctx context.Context, prog bekenboot.Programmer) error, extra ...bekenboot.Option) error {
	prog, err := newProgrammer(extra...)
	if err != nil {
		return err
	}
	ctx := context.Background()
	log.Infof("connecting to device on %s...", cfg.Port)
	if err := prog.Connect(ctx); err != nil {
		return err
	}
	defer prog.Disconnect()
	return fn(ctx, prog)
}

func parseUint32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return uint32(v), nil
}

func getAddrAndLen(args []string) (uint32, int, error) {
	if len(args) != 2 {
		return 0, 0, errors.New("expected: addr len")
	}
	addr, err := parseUint32("address", args[0])
	if err != nil {
		return 0, 0, err
	}
	length, err := parseUint32("length", args[1])
	if err != nil {
		return 0, 0, err
	}
	if length == 0 {
		return 0, 0, errors.New("length must be greater than zero")
	}
	return addr, int(length), nil
}
