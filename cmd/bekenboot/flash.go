package main

import (
	"context"
	"os/exec"

	"github.com/flashkit/bekenboot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	noProtect bool
	finalCRC  bool
	before    string
	after     string
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Download a .bin or .hex image and reboot the target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := bekenboot.LoadImageFile(args[0])
		if err != nil {
			return err
		}
		addr, err := parseUint32("address", cfg.Address)
		if err != nil {
			return err
		}
		if image.HasAddress && !cmd.Flags().Changed("addr") {
			addr = image.Address
		}
		skip := noProtect || (cfg.Protect != nil && !*cfg.Protect)

		// Run the before command
		if before != "" {
			log.Infof("running before command...")
			if err := exec.Command(before).Run(); err != nil {
				return errors.Wrap(err, "failed to run before command")
			}
		}

		prog, err := newProgrammer(bekenboot.WithSkipProtect(skip), bekenboot.WithFinalCRC(finalCRC))
		if err != nil {
			return err
		}
		defer prog.Disconnect()
		log.Infof("downloading %d bytes to %08X...", len(image.Data), addr)
		if err := prog.Download(context.Background(), addr, image.Data); err != nil {
			return err
		}
		if s := prog.Session(); s != nil {
			log.Infof("%d sectors written", s.SectorsWritten())
		}

		// Run the after command
		if after != "" {
			log.Infof("running after command...")
			if err := exec.Command(after).Run(); err != nil {
				return errors.Wrap(err, "failed to run after command")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flashCmd)

	flashCmd.Flags().StringVarP(&cfg.Address, "addr", "a", cfg.Address, "flash offset of raw images; hex images carry their own")
	flashCmd.Flags().StringVar(&cfg.Reboot, "reboot", cfg.Reboot, "reboot frame sent at the end: reset or command")
	flashCmd.Flags().BoolVar(&noProtect, "no-protect", false, "leave the flash write protection cleared")
	flashCmd.Flags().BoolVar(&finalCRC, "final-crc", false, "verify the whole image with one CRC after writing")
	flashCmd.Flags().StringVar(&before, "before", "", "command to run before programming")
	flashCmd.Flags().StringVar(&after, "after", "", "command to run after programming has completed successfully")
}
